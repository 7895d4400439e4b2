// Package crawler defines the resource model and the collaborator contracts
// shared by the crawl pipeline: verification, rendering, extraction, scope
// classification and reporting.
package crawler
