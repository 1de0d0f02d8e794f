//go:build !linux

package platform

import "context"

type emptyDriveLister struct{}

func NewRemovableDriveLister() RemovableDriveLister { return &emptyDriveLister{} }

func (l *emptyDriveLister) List(ctx context.Context) ([]string, error) {
	return nil, nil
}
