package ir

// Importer is the contract model-import frontends satisfy: translating an
// externally-trained model into a Graph. Frontends themselves live outside
// this repository; the offload pipeline only consumes the resulting Graph.
type Importer interface {
	// Import returns the typed, shape-inferred graph for the model.
	Import() (*Graph, error)
}
