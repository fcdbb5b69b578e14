package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_initial.sql
var initial string

//go:embed 0002_log_lines.sql
var logLines string

//go:embed 0003_commit_statuses.sql
var commitStatuses string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_initial", Script: initial},
	{ID: "0002_log_lines", Script: logLines},
	{ID: "0003_commit_statuses", Script: commitStatuses},
}
