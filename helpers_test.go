package xferdisk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	transferURL string
	proxyURL    string

	// Number of polls that see the disk locked, or the transfer still
	// initializing.
	lockedPolls int
	initPolls   int
	readyPhase  ovirt.TransferPhase

	// Number of polls after finalize before the transfer goes away.
	finalizePolls int
	finalPhase    ovirt.TransferPhase

	addDiskErr  error
	finalizeErr error
	removeErr   error

	disks     map[string]*ovirt.Disk
	added     []*ovirt.Disk
	transfers map[string]*ovirt.ImageTransfer
	finalized map[string]int

	diskPolls     int
	transferPolls int

	pauses    int
	finalizes int
	removes   int
	closes    int
}

var _ Manager = &fakeManager{}

func newFakeManager(transferURL, proxyURL string) *fakeManager {
	return &fakeManager{
		transferURL: transferURL,
		proxyURL:    proxyURL,
		disks:       map[string]*ovirt.Disk{},
		transfers:   map[string]*ovirt.ImageTransfer{},
		finalized:   map[string]int{},
	}
}

func (m *fakeManager) AddDisk(ctx context.Context, disk *ovirt.Disk) (*ovirt.Disk, error) {
	if m.addDiskErr != nil {
		return nil, m.addDiskErr
	}

	cp := *disk
	cp.ID = fmt.Sprintf("disk-%d", len(m.added)+1)
	cp.Status = ovirt.DiskStatusLocked

	m.added = append(m.added, disk)
	m.disks[cp.ID] = &cp

	ret := cp
	return &ret, nil
}

func (m *fakeManager) GetDisk(ctx context.Context, id string) (*ovirt.Disk, error) {
	disk, ok := m.disks[id]
	if !ok {
		return nil, ovirt.ErrNotFound
	}

	m.diskPolls++

	if m.diskPolls > m.lockedPolls {
		disk.Status = ovirt.DiskStatusOK
	}

	ret := *disk
	return &ret, nil
}

func (m *fakeManager) RemoveDisk(ctx context.Context, id string) error {
	m.removes++

	if m.removeErr != nil {
		return m.removeErr
	}

	if _, ok := m.disks[id]; !ok {
		return ovirt.ErrNotFound
	}

	delete(m.disks, id)

	return nil
}

func (m *fakeManager) AddImageTransfer(ctx context.Context, it *ovirt.ImageTransfer) (*ovirt.ImageTransfer, error) {
	if _, ok := m.disks[it.Image.ID]; !ok {
		return nil, ovirt.ErrNotFound
	}

	cp := *it
	cp.ID = fmt.Sprintf("transfer-%d", len(m.transfers)+1)
	cp.Phase = ovirt.PhaseInitializing
	cp.TransferURL = m.transferURL
	cp.ProxyURL = m.proxyURL
	cp.SignedTicket = "signed-ticket"

	m.transfers[cp.ID] = &cp

	ret := cp
	return &ret, nil
}

func (m *fakeManager) GetImageTransfer(ctx context.Context, id string) (*ovirt.ImageTransfer, error) {
	it, ok := m.transfers[id]
	if !ok {
		return nil, ovirt.ErrNotFound
	}

	if n, ok := m.finalized[id]; ok {
		m.finalized[id] = n + 1

		if m.finalPhase != "" {
			it.Phase = m.finalPhase
		} else if n >= m.finalizePolls {
			delete(m.transfers, id)
			return nil, ovirt.ErrNotFound
		} else {
			it.Phase = ovirt.PhaseFinalizingSuccess
		}

		ret := *it
		return &ret, nil
	}

	m.transferPolls++

	if m.transferPolls > m.initPolls {
		it.Phase = ovirt.PhaseTransferring
		if m.readyPhase != "" {
			it.Phase = m.readyPhase
		}
	}

	ret := *it
	return &ret, nil
}

func (m *fakeManager) PauseImageTransfer(ctx context.Context, id string) error {
	m.pauses++
	return nil
}

func (m *fakeManager) FinalizeImageTransfer(ctx context.Context, id string) error {
	m.finalizes++

	if m.finalizeErr != nil {
		return m.finalizeErr
	}

	m.finalized[id] = 0

	return nil
}

func (m *fakeManager) Close() error {
	m.closes++
	return nil
}

type recorded struct {
	Method       string
	Path         string
	Query        string
	Auth         string
	Range        string
	ContentRange string
	Body         []byte
}

// imageio is an in-memory transfer endpoint.
type imageio struct {
	mu sync.Mutex

	// legacy endpoints answer OPTIONS with 405.
	legacy   bool
	features []string

	optionsStatus int
	getStatus     int
	putStatus     int
	patchStatus   int

	data     []byte
	requests []recorded
}

func (s *imageio) ensure(end int64) {
	if int64(len(s.data)) < end {
		s.data = append(s.data, make([]byte, end-int64(len(s.data)))...)
	}
}

func (s *imageio) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, _ := io.ReadAll(req.Body)

	s.requests = append(s.requests, recorded{
		Method:       req.Method,
		Path:         req.URL.Path,
		Query:        req.URL.RawQuery,
		Auth:         req.Header.Get("Authorization"),
		Range:        req.Header.Get("Range"),
		ContentRange: req.Header.Get("Content-Range"),
		Body:         body,
	})

	switch req.Method {
	case http.MethodOptions:
		if s.optionsStatus != 0 {
			w.WriteHeader(s.optionsStatus)
			return
		}

		if s.legacy {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		json.NewEncoder(w).Encode(map[string]any{"features": s.features})
	case http.MethodGet:
		if s.getStatus != 0 {
			w.WriteHeader(s.getStatus)
			return
		}

		var start, end int64
		fmt.Sscanf(req.Header.Get("Range"), "bytes=%d-%d", &start, &end)

		s.ensure(end + 1)

		w.WriteHeader(http.StatusPartialContent)
		w.Write(s.data[start : end+1])
	case http.MethodPut:
		if s.putStatus != 0 {
			w.WriteHeader(s.putStatus)
			return
		}

		var start, end int64
		fmt.Sscanf(req.Header.Get("Content-Range"), "bytes %d-%d/*", &start, &end)

		if int64(len(body)) != end-start+1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.ensure(end + 1)
		copy(s.data[start:], body)
	case http.MethodPatch:
		if s.patchStatus != 0 {
			w.WriteHeader(s.patchStatus)
			return
		}

		var op struct {
			Op     string `json:"op"`
			Offset int64  `json:"offset"`
			Size   int64  `json:"size"`
		}

		json.Unmarshal(body, &op)

		switch op.Op {
		case "zero", "trim":
			s.ensure(op.Offset + op.Size)
			copy(s.data[op.Offset:], make([]byte, op.Size))
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *imageio) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}

	return n
}

func (s *imageio) last(method string) recorded {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Method == method {
			return s.requests[i]
		}
	}

	return recorded{}
}

func (s *imageio) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

func (s *imageio) bytes(off, n int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure(off + n)
	return bytes.Clone(s.data[off : off+n])
}

type testEnv struct {
	srv *httptest.Server
	img *imageio
	mgr *fakeManager
	cfg *Config
	log hclog.Logger
}

var fastTimeouts = Timeouts{
	DiskUnlock:    2 * time.Second,
	DiskPoll:      time.Millisecond,
	TransferReady: 2 * time.Second,
	TransferPoll:  time.Millisecond,
	Finalize:      2 * time.Second,
	FinalizePoll:  time.Millisecond,
}

func testConfig(t *testing.T, size int64) *Config {
	dir := t.TempDir()

	pwfile := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(pwfile, []byte("secret\n"), 0600))

	var cfg Config

	cfg.Engine.URL = "https://engine.example.com/ovirt-engine/api"
	cfg.Engine.PasswordFile = pwfile

	cfg.Disk.Name = "test-disk"
	cfg.Disk.Format = "raw"
	cfg.Disk.Size = size
	cfg.Disk.StorageDomain = "data"

	cfg.DiskIDPath = filepath.Join(dir, "disk-id")

	return &cfg
}

func newTestEnv(t *testing.T, size int64) *testEnv {
	img := &imageio{features: []string{"extents", "zero", "trim", "flush"}}

	srv := httptest.NewTLSServer(img)
	t.Cleanup(srv.Close)

	return &testEnv{
		srv: srv,
		img: img,
		mgr: newFakeManager(srv.URL+"/images/ticket", srv.URL+"/proxy/images/ticket"),
		cfg: testConfig(t, size),
		log: hclog.New(&hclog.LoggerOptions{
			Name:  "xferdisktest",
			Level: hclog.Trace,
		}),
	}
}

func (e *testEnv) open(ctx context.Context, readOnly bool, options ...Option) (*Device, error) {
	tlsCfg := e.srv.Client().Transport.(*http.Transport).TLSClientConfig

	options = append([]Option{
		WithTimeouts(fastTimeouts),
		WithTransferTLS(tlsCfg),
	}, options...)

	return Open(ctx, e.log, e.cfg, e.mgr, readOnly, options...)
}

func (e *testEnv) diskID(t *testing.T) string {
	data, err := os.ReadFile(e.cfg.DiskIDPath)
	require.NoError(t, err)

	return string(data)
}

func onPath(reqs []recorded, prefix string) bool {
	for _, r := range reqs {
		if !strings.HasPrefix(r.Path, prefix) {
			return false
		}
	}

	return true
}
