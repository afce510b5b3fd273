package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/mapper"
	"github.com/frobware/go-ufp/matcher"
	"github.com/frobware/go-ufp/template"
)

// InstallOption modifies an install.
type InstallOption func(*installOpts)

type installOpts struct {
	parent bool
}

// AsParent installs the rule as a parent flow that children may name in
// ParentFlowID.
func AsParent() InstallOption {
	return func(o *installOpts) { o.parent = true }
}

// Install offloads rule. The rule is normalised, matched to a class and
// action template pair and run through the mapper. Install is all or
// nothing: on any error the facility, caches and flow database are as
// they were before the call.
func (m *Manager) Install(ctx context.Context, rule ufp.Rule, opts ...InstallOption) (mapper.Result, error) {
	ctx = withOp(ctx)
	var o installOpts
	for _, opt := range opts {
		opt(&o)
	}
	if err := rule.Normalize(); err != nil {
		return mapper.Result{}, err
	}
	if o.parent && rule.ParentFlowID != 0 {
		return mapper.Result{}, ufp.Errorf(ufp.KindInvalidArg, "a parent flow cannot itself have parent %d", rule.ParentFlowID)
	}

	match, err := m.matcher.Match(matcher.ParamsOf(&rule))
	if err != nil {
		m.logger.DebugContext(ctx, "no template", "hdr_bitmap", rule.HdrBitmap, "act_bitmap", rule.ActBitmap)
		return mapper.Result{}, err
	}

	typ := ufp.FlowTypeRegular
	switch {
	case o.parent:
		typ = ufp.FlowTypeParent
	case rule.ParentFlowID != 0:
		typ = ufp.FlowTypeChild
	}

	if err := m.lock(); err != nil {
		return mapper.Result{}, err
	}
	defer m.mu.Unlock()

	res, err := m.mapper.Install(ctx, mapper.Params{
		Rule:       &rule,
		ClassTID:   match.ClassTID,
		ActTID:     match.ActTID,
		WCPriority: match.WCPriority,
		FlowType:   typ,
	})
	if err != nil {
		m.logger.InfoContext(ctx, "install failed", "kind", ufp.KindOf(err).String(), "error", err)
		return mapper.Result{}, err
	}
	m.logger.InfoContext(ctx, "flow installed",
		"flow_id", res.FlowID,
		"type", typ.String(),
		"class_tid", match.ClassTID,
		"act_tid", match.ActTID)
	logging.Trace(ctx, m.logger, "install trace", "steps", len(res.Trace))
	return res, nil
}

// InstallDefault installs the default flow of port in dir. A port has
// at most one default flow per direction; a second install fails with
// CONFLICT.
func (m *Manager) InstallDefault(ctx context.Context, port uint16, dir ufp.Direction) (mapper.Result, error) {
	ctx = withOp(ctx)
	if !dir.Valid() {
		return mapper.Result{}, ufp.Errorf(ufp.KindInvalidArg, "direction %d", dir)
	}
	classTID, ok := m.tmpl.ClassTID(template.DefaultClass(dir))
	if !ok {
		return mapper.Result{}, ufp.ErrNoTemplate{}
	}
	actTID, ok := m.tmpl.ActTID(template.ActNone)
	if !ok {
		return mapper.Result{}, ufp.ErrNoTemplate{}
	}

	if err := m.lock(); err != nil {
		return mapper.Result{}, err
	}
	defer m.mu.Unlock()

	d, err := m.ports.Get(port)
	if err != nil {
		return mapper.Result{}, err
	}
	rule := ufp.Rule{Direction: dir, FunctionID: d.FunctionID, PortID: port}
	if err := rule.Normalize(); err != nil {
		return mapper.Result{}, err
	}
	res, err := m.mapper.Install(ctx, mapper.Params{
		Rule:     &rule,
		ClassTID: classTID,
		ActTID:   actTID,
		FlowType: ufp.FlowTypeDefault,
	})
	if err != nil {
		return mapper.Result{}, err
	}
	m.logger.InfoContext(ctx, "default flow installed", "flow_id", res.FlowID, "port", port, "dir", dir.String())
	return res, nil
}

// Uninstall removes flow fid and releases its resources in reverse
// acquisition order. A parent with live children fails with BUSY and is
// left intact. Release failures are logged and otherwise ignored: once
// Uninstall returns nil the flow is gone.
func (m *Manager) Uninstall(ctx context.Context, fid ufp.FlowID) error {
	ctx = withOp(ctx)
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	f, err := m.flows.Get(fid)
	if err != nil {
		return err
	}
	if f.Type == ufp.FlowTypeRID {
		// RID flows are owned by cache entries, not callers.
		return ufp.ErrFlowNotFound{FlowID: fid}
	}
	if err := m.flows.FlowFlush(ctx, fid); err != nil {
		if errors.Is(err, ufp.ErrBusy) {
			return err
		}
		m.logger.WarnContext(ctx, "flow removed with release errors", "flow_id", fid, "error", err)
	}
	m.logger.InfoContext(ctx, "flow uninstalled", "flow_id", fid, "type", f.Type.String())
	return nil
}

// FlushFunction removes every flow installed by function funcID and
// returns how many went. Release failures are logged and otherwise
// ignored.
func (m *Manager) FlushFunction(ctx context.Context, funcID uint16) (int, error) {
	ctx = withOp(ctx)
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	n, err := m.flows.FunctionFlowFlush(ctx, funcID)
	if err != nil {
		if errors.Is(err, ufp.ErrBusy) {
			return n, fmt.Errorf("function %d: %w", funcID, err)
		}
		m.logger.WarnContext(ctx, "function flush with release errors", "function_id", funcID, "error", err)
	}
	m.logger.InfoContext(ctx, "function flushed", "function_id", funcID, "flows", n)
	return n, nil
}
