// Package mcp exposes the project pipeline as MCP tools over stdio.
//
// Tools: create_project runs a full pipeline; provider_status reports rate
// windows and breaker states; recovery_suggestion maps an error kind or
// message to its recovery hint; list_project_types lists the catalog's
// project types with their default teams; project_errors reads a
// workspace's error history.
package mcp
