// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch finds a slave for a command, submits it, and
// follows the resulting job until it finishes.
//
// An Acquirer repeatedly asks the coordinator for its slave
// directory, picks an eligible slave, and creates a job there. A
// Monitor then polls the job's status, copying new log lines to an
// output stream, and deletes the job when it stops running.
package dispatch
