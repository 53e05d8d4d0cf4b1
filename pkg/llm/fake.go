package llm

import "context"

// FakeClient replays a scripted sequence of chunks (and an optional
// terminal error), used by executor tests that shouldn't depend on a
// real provider.
type FakeClient struct {
	Chunks []Chunk
	Err    error
}

func (f *FakeClient) Generate(ctx context.Context, _ Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, len(f.Chunks))
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		for _, c := range f.Chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.Err != nil {
			select {
			case errs <- f.Err:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, errs
}
