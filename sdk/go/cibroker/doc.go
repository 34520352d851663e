// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cibroker is a client library for the cibroker coordinator
// and slave APIs.
//
// The coordinator serves a directory of registered slaves and their
// capability tags. Each slave accepts shell commands as jobs, and
// serves their status and log output one page at a time.
package cibroker
