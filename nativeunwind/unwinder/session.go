// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder walks the native stack of a stopped thread. A Session
// tries, for every frame, the compact unwind table of the image, then its
// call frame information, then the frame pointer chain. Only for the caller
// of the first frame it additionally tries the link register and a bounded
// stack scan.
//
// All memory needed while walking is allocated by NewSession, so a Session
// created ahead of time can walk a crashed thread without allocating.
package unwinder // import "go.opentelemetry.io/crashunwind/nativeunwind/unwinder"

import (
	"fmt"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/metrics"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/cfi"
	"go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

var (
	// ErrNoReturnAddress is reported when the stack scan found no word
	// pointing into executable code.
	ErrNoReturnAddress = nativeunwind.NewError(nativeunwind.KindBounds,
		"no return address found on stack")
	// ErrNoLinkRegister is reported when the link register holds no usable
	// return address.
	ErrNoLinkRegister = nativeunwind.NewError(nativeunwind.KindFormat,
		"link register holds no return address")

	// errNotApplicable marks a strategy the image has no table for.
	errNotApplicable = nativeunwind.NewError(nativeunwind.KindNone, "not applicable")
)

// Option configures a Session.
type Option func(*Session)

// WithObserver replaces the default LogObserver.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// Session unwinds stacks of one architecture. It can be reused for any number
// of unwinds but is not safe for concurrent use.
type Session struct {
	arch     regs.Arch
	layout   *regs.Layout
	rm       *remotememory.RemoteMemory
	images   imagelookup.Lookup
	cfg      Config
	observer Observer

	compact        *compactunwind.Table
	compactSection imagelookup.Section
	compactLoad    libpf.Address
	compactErr     error
	cfi            *cfi.Table

	ctx         regs.Context
	index       int
	reason      Reason
	lastFailure nativeunwind.Kind
	// signal is set when the PC in ctx is exact.
	signal bool
	// endNext ends the unwind on the next call to Next.
	endNext bool

	// prev holds the last two frames, most recent first.
	prev       [2]Frame
	repeats    int
	suppressed int
	totalSupp  int

	counters metrics.Counters
	code     [16]byte
}

// NewSession creates a Session for arch reading memory through rm and finding
// images through images.
func NewSession(arch regs.Arch, rm *remotememory.RemoteMemory, images imagelookup.Lookup,
	cfg Config, opts ...Option) (*Session, error) {
	layout := arch.Layout()
	if layout == nil {
		return nil, fmt.Errorf("unsupported architecture %v", arch)
	}
	if rm == nil || images == nil {
		return nil, fmt.Errorf("memory accessor and image lookup are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfiTable, err := cfi.NewTable(rm, arch)
	if err != nil {
		return nil, err
	}
	s := &Session{
		arch:     arch,
		layout:   layout,
		rm:       rm,
		images:   images,
		cfg:      cfg.WithDefaults(),
		observer: LogObserver{},
		compact:  compactunwind.NewTable(rm),
		cfi:      cfiTable,
		reason:   ReasonEndOfStack,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reset starts a new unwind from the registers in ctx.
func (s *Session) Reset(ctx *regs.Context) error {
	if ctx.Arch() != s.arch {
		return fmt.Errorf("register context is %v, session is %v", ctx.Arch(), s.arch)
	}
	s.ctx = *ctx
	s.index = 0
	s.reason = ReasonNone
	s.lastFailure = nativeunwind.KindNone
	s.signal = true
	s.endNext = false
	s.prev = [2]Frame{}
	s.repeats = 0
	s.suppressed = 0
	s.totalSupp = 0
	s.counters.Inc(metrics.IDUnwindAttempts)
	return nil
}

// Reason returns why the current unwind stopped, or ReasonNone while frames
// are still being produced.
func (s *Session) Reason() Reason {
	return s.reason
}

// LastFailure returns the kind of the last strategy failure of the current
// unwind.
func (s *Session) LastFailure() nativeunwind.Kind {
	return s.lastFailure
}

// Suppressed returns the number of frames hidden from the observer by the
// recursion guard in the current unwind.
func (s *Session) Suppressed() int {
	return s.totalSupp + s.suppressed
}

// Counters returns the metrics accumulated since the last call, and clears them.
func (s *Session) Counters() metrics.Counters {
	s.collectCacheStats()
	c := s.counters
	s.counters = metrics.Counters{}
	return c
}

// FlushMetrics publishes the accumulated metrics.
func (s *Session) FlushMetrics() {
	s.collectCacheStats()
	s.counters.Flush()
}

func (s *Session) collectCacheStats() {
	stats := s.cfi.Statistics()
	s.counters.Add(metrics.IDCIECacheHit, metrics.MetricValue(stats.CIECacheHits))
	s.counters.Add(metrics.IDCIECacheMiss, metrics.MetricValue(stats.CIECacheMisses))
}

// Unwind walks the stack starting at ctx, storing frames in buf. The returned
// Result.Frames aliases buf; frames beyond its capacity are dropped and the
// unwind ends with ReasonFrameLimit.
func (s *Session) Unwind(ctx *regs.Context, buf []Frame) (Result, error) {
	if err := s.Reset(ctx); err != nil {
		return Result{}, err
	}
	frames := buf[:0]
	for {
		if len(frames) == cap(frames) {
			s.finish(ReasonFrameLimit)
			break
		}
		f, ok := s.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return Result{
		Frames:      frames,
		Reason:      s.reason,
		LastFailure: s.lastFailure,
		Suppressed:  s.Suppressed(),
	}, nil
}

// Next produces the next frame. It returns false once the unwind stopped,
// after which Reason tells why.
func (s *Session) Next() (Frame, bool) {
	if s.reason != ReasonNone {
		return Frame{}, false
	}
	if s.index == 0 {
		// Threads that already exited have garbage registers.
		if !s.layout.IsPlausiblePointer(s.ctx.PC()) ||
			!s.layout.IsPlausiblePointer(s.ctx.SP()) {
			s.finish(ReasonEndOfStack)
			return Frame{}, false
		}
		return s.produce(StrategyContext), true
	}
	if s.endNext {
		s.finish(ReasonEndOfStack)
		return Frame{}, false
	}
	if s.index >= s.cfg.MaxFrames {
		s.finish(ReasonFrameLimit)
		return Frame{}, false
	}

	strategy, err := s.step()
	if err != nil {
		if err == nativeunwind.ErrEndOfStack {
			s.finish(ReasonEndOfStack)
		} else {
			s.finish(ReasonExhausted)
		}
		return Frame{}, false
	}

	if s.arch == regs.ArchARM64 && s.cfg.PACMask != 0 {
		s.ctx.SetPC(s.ctx.PC() &^ s.cfg.PACMask)
	}
	if !s.layout.IsPlausiblePointer(s.ctx.PC()) {
		s.finish(ReasonEndOfStack)
		return Frame{}, false
	}
	if !s.layout.IsPlausiblePointer(s.ctx.SP()) {
		s.finish(ReasonExhausted)
		return Frame{}, false
	}
	if s.isCycle() {
		s.finish(ReasonExhausted)
		return Frame{}, false
	}
	f := s.produce(strategy)
	if s.ctx.FP() == 0 {
		s.endNext = true
	}
	return f, true
}

// produce records the frame described by ctx.
func (s *Session) produce(strategy Strategy) Frame {
	f := Frame{
		PC:       libpf.Address(s.ctx.PC()),
		SP:       libpf.Address(s.ctx.SP()),
		FP:       libpf.Address(s.ctx.FP()),
		Strategy: strategy,
		Signal:   s.signal,
	}

	if s.index > 0 && (f.PC == s.prev[0].PC || (s.index > 1 && f.PC == s.prev[1].PC)) {
		s.repeats++
	} else {
		s.endRecursion()
	}
	if s.cfg.RecursionThreshold >= 0 && s.repeats > s.cfg.RecursionThreshold {
		s.suppressed++
		s.counters.Inc(metrics.IDUnwindRecursionSuppressed)
	} else {
		s.observer.Frame(s.index, f)
	}

	s.prev[1] = s.prev[0]
	s.prev[0] = f
	s.index++
	s.counters.Inc(metrics.IDUnwindFrames)
	return f
}

// endRecursion reports a finished run of suppressed frames.
func (s *Session) endRecursion() {
	if s.suppressed > 0 {
		s.observer.RecursionEnded(s.prev[0].PC, s.suppressed)
		s.totalSupp += s.suppressed
	}
	s.repeats = 0
	s.suppressed = 0
}

// isCycle reports whether ctx repeats the complete state of one of the
// previous two frames.
func (s *Session) isCycle() bool {
	f := Frame{
		PC: libpf.Address(s.ctx.PC()),
		SP: libpf.Address(s.ctx.SP()),
		FP: libpf.Address(s.ctx.FP()),
	}
	return f.sameRegisters(&s.prev[0]) || (s.index > 1 && f.sameRegisters(&s.prev[1]))
}

func (s *Session) finish(reason Reason) {
	s.endRecursion()
	s.reason = reason
	switch reason {
	case ReasonEndOfStack:
		s.counters.Inc(metrics.IDUnwindEndOfStack)
	case ReasonFrameLimit:
		s.counters.Inc(metrics.IDUnwindFrameLimit)
	case ReasonExhausted:
		s.counters.Inc(metrics.IDUnwindExhausted)
	}
}

// step replaces ctx with the registers of the caller, trying the strategies in
// order. It returns nativeunwind.ErrEndOfStack at the outermost frame.
func (s *Session) step() (Strategy, error) {
	lookupPC := libpf.Address(s.ctx.PC())
	if !s.signal {
		lookupPC--
	}

	if img, ok := s.images.FindImage(lookupPC); ok {
		info, err := s.stepCompact(img, lookupPC)
		if s.done(StrategyCompact, err) {
			s.signal = info.SignalFrame
			return StrategyCompact, err
		}
		info, err = s.stepCFI(img, lookupPC)
		if s.done(StrategyCFI, err) {
			s.signal = info.SignalFrame
			return StrategyCFI, err
		}
	}

	s.signal = false
	if s.ctx.FP() == 0 {
		if s.index != 1 {
			return StrategyFramePointer, nativeunwind.ErrEndOfStack
		}
		if s.done(StrategyLinkRegister, s.stepLinkRegister()) {
			return StrategyLinkRegister, nil
		}
		return StrategyLinkRegister, nativeunwind.ErrEndOfStack
	}
	if s.done(StrategyFramePointer, s.stepFramePointer()) {
		return StrategyFramePointer, nil
	}
	if s.index == 1 && s.cfg.ScanLimit > 0 && s.done(StrategyStackScan, s.scanStack()) {
		return StrategyStackScan, nil
	}
	return StrategyStackScan, ErrNoReturnAddress
}

// done accounts the outcome of strategy and reports whether it settled the
// step, either by success or by reaching the end of the stack.
func (s *Session) done(strategy Strategy, err error) bool {
	switch err {
	case nil:
		s.counters.Inc(successID[strategy])
		return true
	case nativeunwind.ErrEndOfStack:
		return true
	case errNotApplicable:
		return false
	}
	kind := nativeunwind.KindOf(err)
	s.lastFailure = kind
	s.counters.Inc(failureID[strategy])
	s.counters.Inc(kindID[kind])
	s.observer.StepFailed(s.index, strategy, err)
	return false
}

var successID = [...]metrics.MetricID{
	StrategyCompact:      metrics.IDUnwindCompactSuccess,
	StrategyCFI:          metrics.IDUnwindCFISuccess,
	StrategyFramePointer: metrics.IDUnwindFramePointerSuccess,
	StrategyLinkRegister: metrics.IDUnwindFramePointerSuccess,
	StrategyStackScan:    metrics.IDUnwindStackScanSuccess,
}

var failureID = [...]metrics.MetricID{
	StrategyCompact:      metrics.IDUnwindCompactFailure,
	StrategyCFI:          metrics.IDUnwindCFIFailure,
	StrategyFramePointer: metrics.IDUnwindFramePointerFailure,
	StrategyLinkRegister: metrics.IDUnwindFramePointerFailure,
	StrategyStackScan:    metrics.IDUnwindStackScanFailure,
}

var kindID = [...]metrics.MetricID{
	nativeunwind.KindFormat:   metrics.IDUnwindErrFormat,
	nativeunwind.KindMemory:   metrics.IDUnwindErrMemory,
	nativeunwind.KindBounds:   metrics.IDUnwindErrBounds,
	nativeunwind.KindProgress: metrics.IDUnwindErrProgress,
}

func (s *Session) stepCompact(img *imagelookup.Image, pc libpf.Address) (cfi.StepInfo, error) {
	if !img.CompactUnwind.Present() || s.arch == regs.ArchARM32 {
		return cfi.StepInfo{}, errNotApplicable
	}
	if img.CompactUnwind != s.compactSection || img.LoadAddress != s.compactLoad {
		s.compactSection = img.CompactUnwind
		s.compactLoad = img.LoadAddress
		s.compactErr = s.compact.Reset(img.CompactUnwind, img.LoadAddress)
	}
	if s.compactErr != nil {
		return cfi.StepInfo{}, s.compactErr
	}
	e, err := s.compact.Lookup(pc)
	if err != nil {
		return cfi.StepInfo{}, err
	}
	var stepper compactunwind.CFIStepper
	if s.cfi.ResetForImage(img) {
		stepper = s.cfi
	}
	return s.compact.Step(e, pc, &s.ctx, stepper)
}

func (s *Session) stepCFI(img *imagelookup.Image, pc libpf.Address) (cfi.StepInfo, error) {
	if !s.cfi.ResetForImage(img) {
		return cfi.StepInfo{}, errNotApplicable
	}
	fde, err := s.cfi.FindFDE(pc)
	if err != nil {
		return cfi.StepInfo{}, err
	}
	return s.cfi.StepFDE(fde, pc, &s.ctx)
}

// stepFramePointer follows the frame record at FP: the caller's frame pointer
// followed by the return address.
func (s *Session) stepFramePointer() error {
	ptrSize := uint64(s.layout.PointerSize)
	fp := s.ctx.FP()
	callerFP, err := s.rm.Ptr(libpf.Address(fp), s.layout.PointerSize)
	if err != nil {
		return err
	}
	ra, err := s.rm.Ptr(libpf.Address(fp+ptrSize), s.layout.PointerSize)
	if err != nil {
		return err
	}
	sp := fp + 2*ptrSize
	if sp == s.ctx.SP() && s.stripPAC(uint64(ra)) == s.ctx.PC() {
		return nativeunwind.ErrNoProgress
	}
	s.ctx.SetFP(s.stripPAC(uint64(callerFP)))
	s.ctx.SetSP(sp)
	s.ctx.SetPC(s.stripPAC(uint64(ra)))
	return nil
}

// stepLinkRegister takes the caller from the link register of a leaf function
// that did not build a frame record.
func (s *Session) stepLinkRegister() error {
	lr, ok := s.ctx.LR()
	if !ok {
		return errNotApplicable
	}
	lr = s.stripPAC(lr)
	if lr == s.ctx.PC() || !s.layout.IsPlausiblePointer(lr) {
		return ErrNoLinkRegister
	}
	s.ctx.SetPC(lr)
	return nil
}

// scanStack looks for the first word between SP and FP that points into the
// code of a known image, and takes it as the return address.
func (s *Session) scanStack() error {
	ptrSize := uint64(s.layout.PointerSize)
	sp := s.ctx.SP()
	end := sp + uint64(s.cfg.ScanLimit)*ptrSize
	if fp := s.ctx.FP(); fp > sp && fp < end {
		end = fp
	}
	for addr := sp; addr+ptrSize <= end; addr += ptrSize {
		v, err := s.rm.Ptr(libpf.Address(addr), s.layout.PointerSize)
		if err != nil {
			return err
		}
		ra := libpf.Address(s.stripPAC(uint64(v)))
		img, ok := s.images.FindImage(ra)
		if !ok || !img.ContainsText(ra) {
			continue
		}
		if s.cfg.VerifyCallSites && !s.isCallSite(ra) {
			continue
		}
		s.ctx.SetPC(uint64(ra))
		s.ctx.SetSP(addr + ptrSize)
		return nil
	}
	return ErrNoReturnAddress
}

func (s *Session) stripPAC(v uint64) uint64 {
	if s.arch != regs.ArchARM64 {
		return v
	}
	return v &^ s.cfg.PACMask
}
