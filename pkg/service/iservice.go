package service

import "context"

// IService serves configuration payloads to runtimes until ctx is done.
type IService interface {
	Serve(ctx context.Context, source *Source) error
}
