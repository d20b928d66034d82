package executor

// System prompts appended to every assistant invocation, telling it whether
// the semantic code index is usable in this workspace.

const cidxAvailablePrompt = `A semantic code index is available in this workspace. ` +
	`Prefer the "cidx" CLI for code search before falling back to grep or ` +
	`file walking. The index was built from the repository at its current ` +
	`revision and covers the full tree.`

const cidxUnavailablePrompt = `A semantic code index was requested for this ` +
	`workspace but is not ready. Use conventional tools (grep, find) for ` +
	`code search and do not invoke the "cidx" CLI.`

const cidxDisabledPrompt = `No semantic code index is configured for this ` +
	`workspace. Use conventional tools (grep, find) for code search and do ` +
	`not mention or invoke any code indexer.`

func systemPrompt(indexerAware, indexerReady bool) string {
	switch {
	case !indexerAware:
		return cidxDisabledPrompt
	case indexerReady:
		return cidxAvailablePrompt
	default:
		return cidxUnavailablePrompt
	}
}
