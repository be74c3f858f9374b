// Copyright 2022 The kpt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gittest serves in-memory go-git repositories over the smart HTTP
// protocol for tests. Reference updates are compare-and-swap: a push whose
// old value does not match the current reference is rejected per ref, the
// way a real git server rejects a stale push.
package gittest

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"k8s.io/klog/v2"
)

// StatusStale is reported for a ref whose old value did not match. It is
// the status git-receive-pack reports when the ref moved under it.
const StatusStale = "failed to update ref"

// GitServer is a mock git server implementing "just enough" of the git protocol
type GitServer struct {
	repos Repos
}

// NewGitServer constructs a GitServer backed by the specified repos.
func NewGitServer(repos Repos) *GitServer {
	return &GitServer{
		repos: repos,
	}
}

// ListenAndServe starts the git server on "listen".
// The address we actually start listening on will be posted to addressChannel
func (s *GitServer) ListenAndServe(ctx context.Context, listen string, addressChannel chan<- net.Addr) error {
	httpServer := &http.Server{
		Addr:           listen,
		Handler:        s,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		close(addressChannel)
		return err
	}

	ctxWithCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctxWithCancel.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			klog.Warningf("error from git httpServer.Shutdown: %v", err)
		}
	}()

	addressChannel <- ln.Addr()

	if err := httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP is the entrypoint for http requests.
func (s *GitServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.serveRequest(w, r); err != nil {
		klog.Warningf("internal error from %s %s: %v", r.Method, r.URL, err)

		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// serveRequest is the main dispatcher for http requests.
func (s *GitServer) serveRequest(w http.ResponseWriter, r *http.Request) error {
	repoID, gitPath, found := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !found {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil
	}
	repo, err := s.repos.FindRepo(r.Context(), repoID)
	if err != nil {
		return err
	}
	if repo == nil {
		klog.Warningf("404 for %s %s (repo not found)", r.Method, r.URL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil
	}

	if repo.username != "" || repo.password != "" {
		username, password, ok := r.BasicAuth()
		if !ok || username != repo.username || password != repo.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="gittest"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return nil
		}
	}

	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	switch gitPath {
	case "info/refs":
		return s.serveGitInfoRefs(w, r, repo)
	case "git-upload-pack":
		return s.serveGitUploadPack(w, r, repo)
	case "git-receive-pack":
		return s.serveGitReceivePack(w, r, repo)
	}

	klog.Warningf("404 for %s %s", r.Method, r.URL)
	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	return nil
}

// serveGitInfoRefs serves the info/refs (discovery) endpoint
func (s *GitServer) serveGitInfoRefs(w http.ResponseWriter, r *http.Request, repo *Repo) error {
	serviceName := r.URL.Query().Get("service")

	adv := packp.NewAdvRefs()
	switch serviceName {
	case "git-upload-pack":
		if err := adv.Capabilities.Add(capability.OFSDelta); err != nil {
			return err
		}
	case "git-receive-pack":
		for _, c := range []capability.Capability{capability.ReportStatus, capability.DeleteRefs, capability.OFSDelta} {
			if err := adv.Capabilities.Add(c); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown service-name %q", serviceName)
	}

	it, err := repo.gogit.References()
	if err != nil {
		return fmt.Errorf("failed to get git references: %w", err)
	}
	if err := it.ForEach(func(ref *plumbing.Reference) error {
		switch {
		case ref.Name() == plumbing.HEAD:
			// Only advertise HEAD when it resolves to a branch.
			resolved, err := repo.gogit.Reference(ref.Name(), true)
			if err != nil {
				return nil
			}
			h := resolved.Hash()
			adv.Head = &h
			if ref.Type() == plumbing.SymbolicReference && serviceName == "git-upload-pack" {
				return adv.Capabilities.Add(capability.SymRef, plumbing.HEAD.String()+":"+ref.Target().String())
			}
		case ref.Name().IsRemote():
			klog.V(4).Infof("skipping remote ref %q", ref.Name())
		case ref.Type() == plumbing.HashReference:
			adv.References[ref.Name().String()] = ref.Hash()
		}
		return nil
	}); err != nil {
		return fmt.Errorf("error iterating through references: %w", err)
	}

	adv.Prefix = [][]byte{
		[]byte("# service=" + serviceName),
		pktline.Flush,
	}

	w.Header().Set("Content-Type", "application/x-"+serviceName+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := adv.Encode(w); err != nil {
		klog.Warningf("error encoding advertised references: %v", err)
	}
	// Too late to send a real error code
	return nil
}

// serveGitUploadPack serves the git-upload-pack endpoint. The client's
// "have" lines are honoured so only missing objects are sent.
func (s *GitServer) serveGitUploadPack(w http.ResponseWriter, r *http.Request, repo *Repo) error {
	var wants, haves []plumbing.Hash

	scanner := pktline.NewScanner(r.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(string(scanner.Bytes()))
		klog.V(4).Infof("request line: %s", line)
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "want":
			wants = append(wants, plumbing.NewHash(fields[1]))
		case "have":
			haves = append(haves, plumbing.NewHash(fields[1]))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error parsing request: %w", err)
	}

	objects, err := revlist.Objects(repo.gogit.Storer, wants, haves)
	if err != nil {
		return fmt.Errorf("error listing objects: %w", err)
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// NAK: no common objects were negotiated, the pack follows.
	if err := pktline.NewEncoder(w).EncodeString("NAK\n"); err != nil {
		klog.Warningf("error encoding response: %v", err)
		return nil // Too late
	}

	klog.V(2).Infof("sending %d objects in packfile", len(objects))
	encoder := packfile.NewEncoder(w, repo.gogit.Storer, false)
	if _, err := encoder.Encode(objects, 0); err != nil {
		klog.Warningf("error encoding packfile: %v", err)
	}
	return nil
}

// RefUpdate stores requested tag/branch updates
type RefUpdate struct {
	From plumbing.Hash
	To   plumbing.Hash
	Ref  plumbing.ReferenceName
}

func (s *GitServer) serveGitReceivePack(w http.ResponseWriter, r *http.Request, repo *Repo) error {
	body := r.Body

	switch contentEncoding := r.Header.Get("Content-Encoding"); contentEncoding {
	case "":
		// OK

	case "gzip":
		gzr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("gzip.NewReader failed: %w", err)
		}
		defer gzr.Close()
		body = gzr

	default:
		return fmt.Errorf("unknown content-encoding %q", contentEncoding)
	}

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(body); err != nil {
		return fmt.Errorf("error decoding reference update request: %w", err)
	}

	updates := make([]RefUpdate, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		updates = append(updates, RefUpdate{From: cmd.Old, To: cmd.New, Ref: cmd.Name})
	}
	klog.V(2).Infof("updates %+v", updates)

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	report := packp.NewReportStatus()
	report.UnpackStatus = "ok"

	switch err := packfile.UpdateObjectStorage(repo.gogit.Storer, req.Packfile); err {
	case nil, packfile.ErrEmptyPackfile, io.EOF:
		// ok
	default:
		klog.Warningf("error parsing packfile: %v", err)
		report.UnpackStatus = "error parsing packfile"
		return encodeReport(w, report)
	}

	if repo.preReceive != nil {
		if err := repo.preReceive(repo.gogit, updates); err != nil {
			for _, u := range updates {
				report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
					ReferenceName: u.Ref,
					Status:        "pre-receive hook declined",
				})
			}
			return encodeReport(w, report)
		}
	}

	for _, u := range updates {
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: u.Ref,
			Status:        checkAndSetReference(repo.gogit, u),
		})
	}
	return encodeReport(w, report)
}

// checkAndSetReference applies one update if the reference still holds the
// value the client saw, and returns the report status for it.
func checkAndSetReference(repo *gogit.Repository, u RefUpdate) string {
	current := plumbing.ZeroHash
	if ref, err := repo.Storer.Reference(u.Ref); err == nil {
		current = ref.Hash()
	}
	if current != u.From {
		klog.Infof("rejecting update of %s: expected %s, found %s", u.Ref, u.From, current)
		return StatusStale
	}

	switch {
	case u.To.IsZero():
		klog.Infof("Deleting reference %s", u.Ref)
		if err := repo.Storer.RemoveReference(u.Ref); err != nil {
			return fmt.Sprintf("failed to delete: %v", err)
		}

	default:
		if _, err := repo.Storer.EncodedObject(plumbing.AnyObject, u.To); err != nil {
			return "missing necessary objects"
		}
		ref := plumbing.NewHashReference(u.Ref, u.To)
		if err := repo.Storer.SetReference(ref); err != nil {
			klog.Warningf("failed to set %s: %v", u.Ref, err)
			return StatusStale
		}
		klog.Infof("updated reference %v -> %v", u.Ref, u.To)
	}
	return "ok"
}

func encodeReport(w io.Writer, report *packp.ReportStatus) error {
	var buf bytes.Buffer
	if err := report.Encode(&buf); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		klog.Warningf("error writing report status: %v", err)
	}
	return nil
}
