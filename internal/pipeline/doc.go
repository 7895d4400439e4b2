// Package pipeline runs the crawl as a cycle of bounded worker stages:
// verify, render, extract and ingest, with the coordinator closing the loop.
// The Engine drives the stages through the bot lifecycle.
package pipeline
