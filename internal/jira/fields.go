package jira

import "github.com/bridgeops/teamsjira/internal/config"

// FieldMap binds the logical fields the bridge relies on to their
// instance-specific custom field ids. It is passed to the issue codec
// explicitly so parsing never reads process state.
type FieldMap struct {
	// ThreadLink is the custom field id (customfield_NNNNN) storing the
	// Teams message URL, the idempotency key for issue creation.
	ThreadLink string
	// ThreadLinkJQL is the clause name for that field in JQL searches,
	// e.g. `MS Teams link[URL Field]`.
	ThreadLinkJQL string
}

// FieldMapFromConfig builds the mapping table from configuration.
func FieldMapFromConfig(cfg config.JiraConfig) FieldMap {
	return FieldMap{
		ThreadLink:    cfg.ThreadLinkField,
		ThreadLinkJQL: cfg.ThreadLinkJQL,
	}
}
