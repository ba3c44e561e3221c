/*
main.go - allocsync command line

PURPOSE:
  Runs the batch jobs once from a shell or cron, without the HTTP server.
  Uses the same ALLOCSYNC_* configuration and SQLite database.

COMMANDS:
  sources [--force]         Mirror every allocation into a source
  users [--force]           Link every local user to their valid allocations
  audit                     Print users without an allocation on the resource
  validate USERNAME         Does USERNAME hold an allocation on the resource
  add-user USERNAME         Register a local user
  report-job                Report SU consumption for one job

EXAMPLES:
  allocsync sources --force
  allocsync report-job --username alice --project TG-A --sus 12.5 \
      --start 2026-03-10T10:00:00 --end 2026-03-10T12:00:00

SEE ALSO:
  - allocation/jobs.go: Job implementations
  - cmd/server/main.go: Long-running server
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(&app{out: os.Stdout}).Execute(); err != nil {
		os.Exit(1)
	}
}
