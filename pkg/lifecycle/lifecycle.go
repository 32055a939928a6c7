// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package lifecycle implements the thirteen-phase acquisition sequence
// and its exact-reverse teardown, grounded on
// varstored_initialize()/varstored_teardown()/varstored_seq_next() in
// the original service, with a span-per-operation tracing helper.
package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	otelattr "go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/xcp-ng/varstored/pkg/backend"
	"github.com/xcp-ng/varstored/pkg/ioreq"
	"github.com/xcp-ng/varstored/pkg/keys"
	"github.com/xcp-ng/varstored/pkg/pidfile"
	"github.com/xcp-ng/varstored/pkg/policy"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/xsclient"
)

var log = logrus.WithField("subsystem", "lifecycle")

// Phase is one step of the forward acquisition sequence, numbered as
// in varstored_seq_t.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInterfaceOpen
	PhaseDomainInfo
	PhaseIOReqServerPages
	PhaseServerRegistered
	PhasePagesMapped
	PhaseServerEnabled
	PhaseLocalPortTable
	PhaseEvtchnOpen
	PhasePortsBound
	PhaseBufferedPortBound
	PhaseTrapRegistered
	PhaseStateLoaded
	PhaseWrotePid
	PhaseInitialized
	nrPhases
)

func (p Phase) String() string {
	names := [...]string{
		"Uninitialized", "InterfaceOpen", "DomainInfo", "IOReqServerPages",
		"ServerRegistered", "PagesMapped", "ServerEnabled", "LocalPortTable",
		"EvtchnOpen", "PortsBound", "BufferedPortBound", "TrapRegistered",
		"StateLoaded", "WrotePid", "Initialized",
	}
	if int(p) < 0 || int(p) >= len(names) {
		return "Unknown"
	}
	return names[p]
}

// Hypervisor is the narrow control-plane surface this package drives.
// The only implementation in this tree is FakeHypervisor, which
// exercises the same phase ordering without touching real hardware;
// there is no ioctl/mmap-backed implementation.
type Hypervisor interface {
	OpenInterface() error
	DomainInfo(domid uint32) (vcpus int, err error)
	// WaitIOReqServerPages polls HVM_PARAM_NR_IOREQ_SERVER_PAGES until
	// non-zero, sleeping between attempts; it returns the number of
	// polls performed for observability.
	WaitIOReqServerPages(ctx context.Context) (polls int, err error)
	RegisterIOReqServer() (ioservid uint32, syncPFN, bufPFN uint64, bufPort uint32, err error)
	MapPages(syncPFN, bufPFN uint64) (sync, buffered []byte, err error)
	// UnmapPages releases the pages a prior MapPages returned. It is
	// the exact inverse of MapPages and is invoked by Teardown whenever
	// PhasePagesMapped was reached, matching varstored_teardown()'s
	// munmap() of both the shared and buffered iopages.
	UnmapPages(sync, buffered []byte) error
	EnableIOReqServer(ioservid uint32) error
	OpenEvtchn() error
	BindInterdomain(vcpu int, remotePort uint32) (localPort uint32, err error)
	BindBuffered(remotePort uint32) (localPort uint32, err error)
	RegisterTrapAddress(ioservid uint32, addr uint64) error
	NotifyPort(localPort uint32) error
	CloseEvtchn() error
	CloseInterface() error
	UnbindPort(localPort uint32) error
	UnregisterIOReqServer(ioservid uint32) error
}

// Config bundles the fixed parameters a Supervisor is constructed
// with.
type Config struct {
	Domid       uint32
	TrapAddress uint64
	Backend     backend.Backend
	Pidfile     string
	XS          xsclient.Client
	Provisioner *keys.Provisioner
}

// Supervisor drives Hypervisor through the thirteen acquisition phases
// and their reverse teardown. It holds the resulting Store, Dispatcher
// and policy Settings once Initialize succeeds.
type Supervisor struct {
	hv     Hypervisor
	cfg    Config
	phase  Phase

	vcpus      int
	ioservid   uint32
	localPorts []uint32
	bufPort    uint32
	syncPage   []byte
	bufPage    []byte

	Store      *varstore.Store
	Settings   policy.Settings
	Dispatcher *ioreq.Dispatcher
	pidfile    *pidfile.File
}

// New returns a Supervisor bound to hv and cfg, not yet initialized.
func New(hv Hypervisor, cfg Config) *Supervisor {
	return &Supervisor{hv: hv, cfg: cfg, phase: PhaseUninitialized, Store: varstore.New()}
}

// Phase returns the supervisor's current phase.
func (s *Supervisor) Phase() Phase { return s.phase }

func (s *Supervisor) trace(ctx context.Context, name string) (oteltrace.Span, context.Context) {
	tracer := otel.Tracer("varstored")
	ctx, span := tracer.Start(ctx, name, oteltrace.WithAttributes(
		otelattr.String("subsystem", "lifecycle"),
		otelattr.Int64("domid", int64(s.cfg.Domid)),
	))
	return span, ctx
}

// Initialize runs the forward sequence. On any step's failure it
// unwinds through Teardown before returning, so a failed Initialize
// always leaves the supervisor back at PhaseUninitialized.
func (s *Supervisor) Initialize(ctx context.Context, resume bool) (err error) {
	span, ctx := s.trace(ctx, "Initialize")
	defer span.End()

	defer func() {
		if err != nil {
			log.WithError(err).WithField("phase", s.phase).Error("initialization failed; tearing down")
			s.Teardown(ctx)
		}
	}()

	if err = s.hv.OpenInterface(); err != nil {
		return errors.Wrap(err, "opening control interface")
	}
	s.advance(PhaseInterfaceOpen)

	s.vcpus, err = s.hv.DomainInfo(s.cfg.Domid)
	if err != nil {
		return errors.Wrap(err, "querying domain info")
	}
	log.WithField("vcpus", s.vcpus).Info("domain info retrieved")
	s.advance(PhaseDomainInfo)

	polls, err := s.hv.WaitIOReqServerPages(ctx)
	if err != nil {
		return errors.Wrap(err, "waiting for ioreq server pages")
	}
	log.WithField("waited_polls", polls).Debug("ioreq server pages ready")
	s.advance(PhaseIOReqServerPages)

	var syncPFN, bufPFN uint64
	s.ioservid, syncPFN, bufPFN, s.bufPort, err = s.hv.RegisterIOReqServer()
	if err != nil {
		return errors.Wrap(err, "registering ioreq server")
	}
	log.WithField("ioservid", s.ioservid).Info("ioreq server registered")
	s.advance(PhaseServerRegistered)

	syncBuf, bufBuf, err := s.hv.MapPages(syncPFN, bufPFN)
	if err != nil {
		return errors.Wrap(err, "mapping shared pages")
	}
	s.syncPage, s.bufPage = syncBuf, bufBuf
	s.advance(PhasePagesMapped)

	if err = s.hv.EnableIOReqServer(s.ioservid); err != nil {
		return errors.Wrap(err, "enabling ioreq server")
	}
	s.advance(PhaseServerEnabled)

	s.localPorts = make([]uint32, s.vcpus)
	for i := range s.localPorts {
		s.localPorts[i] = unboundPort
	}
	s.advance(PhaseLocalPortTable)

	if err = s.hv.OpenEvtchn(); err != nil {
		return errors.Wrap(err, "opening event channel interface")
	}
	s.advance(PhaseEvtchnOpen)

	sharedPage, err := ioreq.NewSharedIOPage(syncBuf, s.vcpus)
	if err != nil {
		return errors.Wrap(err, "interpreting shared iopage")
	}
	for i := 0; i < s.vcpus; i++ {
		req := sharedPage.Read(i)
		port, bindErr := s.hv.BindInterdomain(i, uint32(req.Data))
		if bindErr != nil {
			return errors.Wrapf(bindErr, "binding interdomain port for vcpu %d", i)
		}
		s.localPorts[i] = port
	}
	s.advance(PhasePortsBound)

	bufferedPage, err := ioreq.NewBufferedIOPage(bufBuf)
	if err != nil {
		return errors.Wrap(err, "interpreting buffered iopage")
	}
	bufLocalPort, err := s.hv.BindBuffered(s.bufPort)
	if err != nil {
		return errors.Wrap(err, "binding buffered-io port")
	}
	// bufLocalPort is kept after the per-vCPU ports for teardown's
	// port-unbind step; it plays no further role in dispatch.
	s.localPorts = append(s.localPorts, bufLocalPort)
	s.advance(PhaseBufferedPortBound)

	if err = s.hv.RegisterTrapAddress(s.ioservid, s.cfg.TrapAddress); err != nil {
		return errors.Wrap(err, "registering PIO trap address")
	}
	s.advance(PhaseTrapRegistered)

	s.Settings, err = policy.Load(s.cfg.XS, s.cfg.Domid)
	if err != nil {
		return errors.Wrap(err, "loading policy settings")
	}

	var status backend.InitStatus
	if resume {
		err = s.cfg.Backend.Resume(s.Store)
		status = backend.InitSuccess
	} else {
		status, err = s.cfg.Backend.Init(s.Store)
	}
	if err != nil {
		return errors.Wrap(err, "loading backend state")
	}
	if status == backend.InitFirstBoot && s.cfg.Provisioner != nil {
		if err = s.cfg.Provisioner.Provision(s.Store); err != nil {
			return errors.Wrap(err, "provisioning first-boot key hierarchy")
		}
	}
	s.advance(PhaseStateLoaded)

	if s.cfg.Pidfile != "" {
		s.pidfile, err = pidfile.Create(s.cfg.Pidfile)
		if err != nil {
			return errors.Wrap(err, "creating pidfile")
		}
	}
	if s.cfg.XS != nil {
		if err = pidfile.PublishPid(s.cfg.XS, s.cfg.Domid); err != nil {
			return errors.Wrap(err, "publishing pid")
		}
	}
	s.advance(PhaseWrotePid)

	s.Dispatcher = &ioreq.Dispatcher{
		Sync:     sharedPage,
		Buffered: bufferedPage,
		BaseAddr: s.cfg.TrapAddress,
		Notifier: &portNotifier{hv: s.hv, localPorts: s.localPorts},
	}

	s.advance(PhaseInitialized)
	log.Info("varstored lifecycle initialized")
	return nil
}

const unboundPort = ^uint32(0)

func (s *Supervisor) advance(p Phase) {
	log.WithField("phase", p).Debug(">" + p.String())
	s.phase = p
}

type portNotifier struct {
	hv         Hypervisor
	localPorts []uint32
}

func (n *portNotifier) Notify(vcpu int) error {
	return n.hv.NotifyPort(n.localPorts[vcpu])
}

// Teardown reverses whatever phases were completed, in exact reverse
// order, matching varstored_teardown()'s symmetric unwind. It is safe
// to call multiple times and safe to call from a partially-initialized
// state. Every release step beyond the backend save is best-effort and
// only logged on failure; the backend save failure alone is returned,
// so a caller can map it onto the "failing save on a clean shutdown
// path is reported via exit code 1 only" rule in spec.md §7.8 without
// also exiting non-zero for, say, a failed port unbind.
func (s *Supervisor) Teardown(ctx context.Context) error {
	span, _ := s.trace(ctx, "Teardown")
	defer span.End()

	var saveErr error

	if s.phase >= PhaseWrotePid {
		if s.cfg.XS != nil {
			pidfile.RetractPid(s.cfg.XS, s.cfg.Domid)
		}
		if s.pidfile != nil {
			s.pidfile.Close()
			s.pidfile = nil
		}
	}
	if s.phase >= PhaseStateLoaded {
		if err := s.cfg.Backend.Save(s.Store); err != nil {
			log.WithError(err).Warn("failed to save backend state during teardown")
			saveErr = errors.Wrap(err, "saving backend state during teardown")
		}
	}
	if s.phase >= PhaseTrapRegistered {
		// No explicit unregister call exists for the trap address in
		// the original service; it is implicitly released when the
		// ioreq server is unregistered below.
	}
	if s.phase >= PhaseBufferedPortBound && len(s.localPorts) > 0 {
		last := s.localPorts[len(s.localPorts)-1]
		if err := s.hv.UnbindPort(last); err != nil {
			log.WithError(err).Warn("failed to unbind buffered port")
		}
	}
	if s.phase >= PhasePortsBound {
		for i := 0; i < s.vcpus && i < len(s.localPorts); i++ {
			if s.localPorts[i] == unboundPort {
				continue
			}
			if err := s.hv.UnbindPort(s.localPorts[i]); err != nil {
				log.WithError(err).WithField("vcpu", i).Warn("failed to unbind interdomain port")
			}
		}
	}
	if s.phase >= PhaseEvtchnOpen {
		if err := s.hv.CloseEvtchn(); err != nil {
			log.WithError(err).Warn("failed to close event channel interface")
		}
	}
	if s.phase >= PhasePagesMapped {
		if err := s.hv.UnmapPages(s.syncPage, s.bufPage); err != nil {
			log.WithError(err).Warn("failed to unmap shared iopages")
		}
		s.syncPage, s.bufPage = nil, nil
	}
	if s.phase >= PhaseServerRegistered {
		if err := s.hv.UnregisterIOReqServer(s.ioservid); err != nil {
			log.WithError(err).Warn("failed to unregister ioreq server")
		}
	}
	if s.phase >= PhaseInterfaceOpen {
		if err := s.hv.CloseInterface(); err != nil {
			log.WithError(err).Warn("failed to close control interface")
		}
	}

	s.phase = PhaseUninitialized
	log.Info("varstored lifecycle torn down")
	return saveErr
}
