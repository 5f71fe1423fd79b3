package provider

import (
	"context"
	"fmt"
)

var _ Relay = (*UnreachableRelay)(nil)

// UnreachableRelay stands in for a relay host that could not be connected to.
// Every operation fails with the connection error, so the jobs of a run still
// execute and each records why it could not be relayed.
type UnreachableRelay struct {
	Name string
	Err  error
}

func (r *UnreachableRelay) err() error {
	return fmt.Errorf("relay %s unreachable: %w", r.Name, r.Err)
}

func (r *UnreachableRelay) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return nil, r.err()
}

func (r *UnreachableRelay) BulkCopy(ctx context.Context, localDir, remoteDir string) error {
	return r.err()
}

func (r *UnreachableRelay) RemoveContents(ctx context.Context, dir string) error {
	return r.err()
}

func (r *UnreachableRelay) Host() string { return r.Name }
