// Package pipeline implements the three crawl-queue stages: date-page queue
// generation, link discovery with pagination-boundary detection, and
// content-fetch batching with ID reconciliation and rollback.
//
// Every stage is a stateless service over a news.Store. Entry points return a
// result carrying a news.Outcome so an orchestrator can tell "did work" from
// "nothing to do" without inspecting errors.
package pipeline
