// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
)

// A Coordinator reports the slaves currently registered with the
// coordinator at a given URL. Implemented by *cibroker.Client and
// test stubs.
type Coordinator interface {
	WorkerDirectory(ctx context.Context, coordinatorURL string) (cibroker.WorkerDirectory, error)
}

// A JobAPI creates, follows, and deletes jobs on slaves. Implemented
// by *cibroker.Client and test stubs.
type JobAPI interface {
	JobCreate(ctx context.Context, worker cibroker.WorkerAddress, command string) (cibroker.JobCreated, error)
	JobStatus(ctx context.Context, job cibroker.JobHandle, cursor, pageSize int) (cibroker.JobStatus, error)
	JobDelete(ctx context.Context, job cibroker.JobHandle) error
}

var (
	_ Coordinator = (*cibroker.Client)(nil)
	_ JobAPI      = (*cibroker.Client)(nil)
)
