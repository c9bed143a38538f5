// Package tools implements the protected time tools.
//
// get_current_time (scope time:read) and convert_time (scope time:convert)
// are served both over MCP, via [NewMCPServer], and as JSON endpoints, via
// [HTTPHandler]. Both paths run through [Registry.Call], which checks the
// scope of the principal that guard.Guard.Middleware placed in the context.
package tools
