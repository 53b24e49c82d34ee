// Package mocks provides shared fakes of the capability interfaces for testing.
//
// Every fake records its calls and exposes func fields to override behavior:
//
//	gen := mocks.NewMockGenerator()
//	gen.GenerateTestsFunc = func(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
//	    return capability.Generation{}, errors.New("model unavailable")
//	}
//
// # Available Mocks
//
//   - MockClassifier, MockEmbedder, MockGenerator: model-backed capabilities
//   - MockTerminal, MemFS, MockWorkspace: local execution and files
//   - MockForge: issues, branches, pull requests and merges
//   - MemVectorIndex: embedding storage and similarity search
//   - MockNotifier, MockAlerter: outbound messages
package mocks
