package schema

import "strconv"

// Error codes carried in HostError.Code. They form the UI-facing vocabulary.
const (
	CodeAppServerUnavailable  = "app_server_unavailable"
	CodeAppServerError        = "app_server_error"
	CodeQueryMethodUnknown    = "query_method_unknown"
	CodeMutationMethodUnknown = "mutation_method_unknown"
	CodeUnknownMethod         = "unknown_method"
	CodeMissingMethod         = "missing_method"
	CodeTerminalError         = "terminal_error"
	CodeStateError            = "state_error"
	CodeInvalidPath           = "invalid_path"
	CodeIOError               = "io_error"
	CodePathNotAllowed        = "path_not_allowed"
	CodeInvalidParams         = "invalid_params"
	CodeSerializationError    = "serialization_error"
	CodeWorkerNotSupported    = "worker_not_supported"
	CodeGitWorkerError        = "git_worker_error"
)

// AppServerCode renders a numeric worker error code.
func AppServerCode(code int64) string {
	return "app_server_" + strconv.FormatInt(code, 10)
}
