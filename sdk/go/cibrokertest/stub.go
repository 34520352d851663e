// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cibrokertest provides stub coordinator and slave servers
// for testing cibroker clients.
package cibrokertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"github.com/gorilla/mux"
)

// StubResponse is a canned HTTP response.
type StubResponse struct {
	Status int
	Body   string
}

func (sr StubResponse) write(w http.ResponseWriter) {
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(sr.Body))
}

// JSONResponse returns a 200 StubResponse with v as its body.
func JSONResponse(v interface{}) StubResponse {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return StubResponse{Status: http.StatusOK, Body: string(buf)}
}

// StubCoordinator serves GET /v1/slaves, returning each of
// Responses in turn. Once they are used up, the last one is repeated.
// With no Responses, the directory is empty.
type StubCoordinator struct {
	Responses []StubResponse

	mtx      sync.Mutex
	requests int
	server   *httptest.Server
}

// Start starts the stub server and returns its base URL.
func (sc *StubCoordinator) Start() string {
	router := mux.NewRouter()
	router.HandleFunc("/v1/slaves", sc.serveSlaves).Methods(http.MethodGet)
	sc.server = httptest.NewServer(router)
	return sc.server.URL
}

// Close stops the stub server.
func (sc *StubCoordinator) Close() {
	if sc.server != nil {
		sc.server.Close()
	}
}

// Requests returns the number of directory requests received.
func (sc *StubCoordinator) Requests() int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.requests
}

func (sc *StubCoordinator) serveSlaves(w http.ResponseWriter, req *http.Request) {
	sc.mtx.Lock()
	n := sc.requests
	sc.requests++
	var resp StubResponse
	switch {
	case len(sc.Responses) == 0:
		resp = StubResponse{Body: `{}`}
	case n < len(sc.Responses):
		resp = sc.Responses[n]
	default:
		resp = sc.Responses[len(sc.Responses)-1]
	}
	sc.mtx.Unlock()
	resp.write(w)
}

// StubWorker serves the slave job API for a single job.
//
// POST /v1/jobs returns Create, or {"id":JobID} if Create is zero.
// Each GET /v1/jobs/{JobID}/{cursor} returns the next of Statuses,
// repeating the last one when they are used up. DELETE
// /v1/jobs/{JobID} returns DeleteStatus (default 200), after
// DeleteBlock is closed if it is not nil.
type StubWorker struct {
	JobID        string
	Create       StubResponse
	Statuses     []StubResponse
	DeleteStatus int
	DeleteBlock  chan struct{}

	mtx       sync.Mutex
	commands  []string
	cursors   []int
	pageSizes []int
	deletes   int
	server    *httptest.Server
}

// Start starts the stub server and returns its address.
func (sw *StubWorker) Start() cibroker.WorkerAddress {
	if sw.JobID == "" {
		sw.JobID = "j1"
	}
	router := mux.NewRouter()
	router.HandleFunc("/v1/jobs", sw.serveCreate).Methods(http.MethodPost)
	router.HandleFunc("/v1/jobs/{id}/{cursor:[0-9]+}", sw.serveStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/jobs/{id}", sw.serveDelete).Methods(http.MethodDelete)
	sw.server = httptest.NewServer(router)
	u, err := url.Parse(sw.server.URL)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		panic(err)
	}
	return cibroker.WorkerAddress{Protocol: u.Scheme, Host: u.Hostname(), Port: port}
}

// Close stops the stub server.
func (sw *StubWorker) Close() {
	if sw.server != nil {
		sw.server.Close()
	}
}

// Commands returns the commands submitted so far.
func (sw *StubWorker) Commands() []string {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return append([]string(nil), sw.commands...)
}

// Cursors returns the cursor of each status request so far.
func (sw *StubWorker) Cursors() []int {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return append([]int(nil), sw.cursors...)
}

// PageSizes returns the pagesize parameter of each status request
// so far.
func (sw *StubWorker) PageSizes() []int {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return append([]int(nil), sw.pageSizes...)
}

// Deletes returns the number of delete requests received.
func (sw *StubWorker) Deletes() int {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return sw.deletes
}

func (sw *StubWorker) serveCreate(w http.ResponseWriter, req *http.Request) {
	err := req.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sw.mtx.Lock()
	sw.commands = append(sw.commands, req.PostForm.Get("command"))
	resp := sw.Create
	sw.mtx.Unlock()
	if resp == (StubResponse{}) {
		resp = JSONResponse(cibroker.JobCreated{ID: sw.JobID})
	}
	resp.write(w)
}

func (sw *StubWorker) serveStatus(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if vars["id"] != sw.JobID {
		http.Error(w, `{"error":"no such job"}`, http.StatusNotFound)
		return
	}
	cursor, _ := strconv.Atoi(vars["cursor"])
	pageSize, _ := strconv.Atoi(req.FormValue("pagesize"))
	sw.mtx.Lock()
	n := len(sw.cursors)
	sw.cursors = append(sw.cursors, cursor)
	sw.pageSizes = append(sw.pageSizes, pageSize)
	var resp StubResponse
	switch {
	case len(sw.Statuses) == 0:
		resp = JSONResponse(cibroker.JobStatus{})
	case n < len(sw.Statuses):
		resp = sw.Statuses[n]
	default:
		resp = sw.Statuses[len(sw.Statuses)-1]
	}
	sw.mtx.Unlock()
	resp.write(w)
}

func (sw *StubWorker) serveDelete(w http.ResponseWriter, req *http.Request) {
	sw.mtx.Lock()
	sw.deletes++
	status := sw.DeleteStatus
	sw.mtx.Unlock()
	if sw.DeleteBlock != nil {
		select {
		case <-sw.DeleteBlock:
		case <-req.Context().Done():
			return
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}
