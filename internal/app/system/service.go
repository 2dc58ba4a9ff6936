package system

import "context"

// Service is a component with background work. The Manager starts services
// in registration order and stops them in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
