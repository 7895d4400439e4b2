package pipeline

import "github.com/JakeFAU/linkcheck-crawler/internal/fsm"

// BotState is the lifecycle of one crawl run.
type BotState int

// Bot states.
const (
	WaitingForInitialization BotState = iota
	WaitingToRun
	Running
	Paused
	WaitingForStop
	Completed
	RanToCompletion
	Cancelled
	Faulted
)

var botStateNames = [...]string{
	"WaitingForInitialization",
	"WaitingToRun",
	"Running",
	"Paused",
	"WaitingForStop",
	"Completed",
	"RanToCompletion",
	"Cancelled",
	"Faulted",
}

// String implements fmt.Stringer.
func (s BotState) String() string {
	if s < 0 || int(s) >= len(botStateNames) {
		return "Unknown"
	}
	return botStateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s BotState) Terminal() bool {
	return s == RanToCompletion || s == Cancelled || s == Faulted
}

// BotCommand drives the bot lifecycle.
type BotCommand int

// Bot commands.
const (
	CmdInitialize BotCommand = iota
	CmdRun
	CmdStop
	CmdAbort
	CmdPause
	CmdResume
	CmdMarkAsRanToCompletion
	CmdMarkAsCancelled
	CmdMarkAsFaulted
)

// BotTable is the bot lifecycle transition table.
var BotTable = fsm.Table[BotState, BotCommand]{
	{From: WaitingForInitialization, Command: CmdInitialize}: WaitingToRun,
	{From: WaitingToRun, Command: CmdRun}:                    Running,
	{From: WaitingToRun, Command: CmdAbort}:                  WaitingForStop,
	{From: WaitingForStop, Command: CmdStop}:                 Completed,
	{From: Running, Command: CmdPause}:                       Paused,
	{From: Paused, Command: CmdResume}:                       Running,
	{From: Running, Command: CmdStop}:                        Completed,
	{From: Paused, Command: CmdStop}:                         Completed,
	{From: Completed, Command: CmdMarkAsRanToCompletion}:     RanToCompletion,
	{From: Completed, Command: CmdMarkAsCancelled}:           Cancelled,
	{From: Completed, Command: CmdMarkAsFaulted}:             Faulted,
}
