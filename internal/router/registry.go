package router

import (
	"fmt"
	"slices"

	"pkt.systems/shellhost/internal/gitworker"
	"pkt.systems/shellhost/schema"
)

// Kind classifies a method name.
type Kind int

const (
	// KindUnknown marks a method outside every registry.
	KindUnknown Kind = iota
	// KindLocalQuery marks a query answered in-process.
	KindLocalQuery
	// KindLocalMutation marks a mutation answered in-process.
	KindLocalMutation
	// KindForwardable marks a method sent to the worker.
	KindForwardable
)

func (k Kind) String() string {
	switch k {
	case KindLocalQuery:
		return "local_query"
	case KindLocalMutation:
		return "local_mutation"
	case KindForwardable:
		return "forwardable"
	default:
		return "unknown"
	}
}

// Surface is the UI entry point a method belongs to.
type Surface string

const (
	SurfaceQuery    Surface = "query"
	SurfaceMutation Surface = "mutation"
)

// Route is one registry entry.
type Route struct {
	Method  string
	Surface Surface
	Kind    Kind
}

// Local method names.
const (
	MethodGetConfiguration = "get-configuration"
	MethodGetGlobalState   = "get-global-state"
	MethodDispatchRegistry = "dispatch-registry"
	MethodOSInfo           = "os-info"
	MethodLocalEnvironment = "local-environment"
	MethodPathsExist       = "paths-exist"
	MethodReadFile         = "read-file"

	MethodSetConfiguration = "set-configuration"
	MethodSetGlobalState   = "set-global-state"
	MethodTerminalCreate   = "terminal-create"
	MethodTerminalAttach   = "terminal-attach"
	MethodTerminalWrite    = "terminal-write"
	MethodTerminalResize   = "terminal-resize"
	MethodTerminalClose    = "terminal-close"
)

var localQueries = []string{
	MethodGetConfiguration,
	MethodGetGlobalState,
	MethodDispatchRegistry,
	MethodOSInfo,
	MethodLocalEnvironment,
	MethodPathsExist,
	MethodReadFile,
}

var localMutations = []string{
	MethodSetConfiguration,
	MethodSetGlobalState,
	MethodTerminalCreate,
	MethodTerminalAttach,
	MethodTerminalWrite,
	MethodTerminalResize,
	MethodTerminalClose,
}

var queryMethods = []string{
	"account-info",
	"active-workspace-roots",
	"child-processes",
	"codex-home",
	"extension-info",
	"find-files",
	"get-configuration",
	"get-global-state",
	"gh-cli-status",
	"gh-pr-status",
	"git-origins",
	"has-custom-cli-executable",
	"ide-context",
	"inbox-items",
	"is-copilot-api-available",
	"list-automations",
	"list-pending-automation-run-threads",
	"list-pinned-threads",
	"local-environment",
	"local-environments",
	"locale-info",
	"open-in-targets",
	"os-info",
	"paths-exist",
	"pending-automation-runs",
	"read-file",
	"read-file-binary",
	"read-git-file-binary",
	"recommended-skills",
	"third-party-notices",
	"workspace-root-options",
	"dispatch-registry",
}

var mutationMethods = []string{
	"add-workspace-root-option",
	"apply-patch",
	"automation-create",
	"automation-delete",
	"automation-run-delete",
	"automation-run-now",
	"automation-update",
	"generate-pull-request-message",
	"generate-thread-title",
	"gh-pr-create",
	"git-checkout-branch",
	"git-create-branch",
	"git-push",
	"install-recommended-skill",
	"local-environment-config-save",
	"open-file",
	"remove-skill",
	"set-configuration",
	"set-global-state",
	"set-preferred-app",
	"terminal-create",
	"terminal-attach",
	"terminal-write",
	"terminal-resize",
	"terminal-close",
}

// registry is the closed method table. It is built once at package init.
var registry = buildRegistry()

func buildRegistry() map[string]Route {
	routes := make(map[string]Route, len(queryMethods)+len(mutationMethods))
	add := func(method string, surface Surface, kind Kind) {
		if prev, ok := routes[method]; ok {
			panic(fmt.Sprintf("router: method %q registered as %s/%s and %s/%s", method, prev.Surface, prev.Kind, surface, kind))
		}
		routes[method] = Route{Method: method, Surface: surface, Kind: kind}
	}
	for _, method := range queryMethods {
		kind := KindForwardable
		if slices.Contains(localQueries, method) {
			kind = KindLocalQuery
		}
		add(method, SurfaceQuery, kind)
	}
	for _, method := range mutationMethods {
		kind := KindForwardable
		if slices.Contains(localMutations, method) {
			kind = KindLocalMutation
		}
		add(method, SurfaceMutation, kind)
	}
	for _, method := range slices.Concat(localQueries, localMutations) {
		if _, ok := routes[method]; !ok {
			panic(fmt.Sprintf("router: local method %q missing from registry", method))
		}
	}
	return routes
}

// Classify returns the kind for method. It never returns more than one kind.
func Classify(method string) Kind {
	route, ok := registry[method]
	if !ok {
		return KindUnknown
	}
	return route.Kind
}

// Lookup returns the registry entry for method.
func Lookup(method string) (Route, bool) {
	route, ok := registry[method]
	return route, ok
}

// Registry returns copies of the method lists in declaration order.
func Registry() schema.DispatchRegistry {
	return schema.DispatchRegistry{
		QueryMethods:     slices.Clone(queryMethods),
		MutationMethods:  slices.Clone(mutationMethods),
		GitWorkerMethods: slices.Clone(gitworker.Methods),
	}
}
