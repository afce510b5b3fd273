// Package mapper interprets templates. An install runs the class
// template and then the action template of a (class, action) pair over
// one register file, issuing table-facility calls and recording every
// acquired resource in the flow database. Any failure flushes the
// partially built flow, which releases what was acquired in reverse.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/flowdb"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/keyrecipe"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/template"
	"github.com/frobware/go-ufp/tf"
)

// Deps are the stores and provider a Mapper drives. All are required
// except Logger.
type Deps struct {
	Facility  tf.Facility
	Templates *template.Set
	Tables    *gentbl.Set
	Recipes   *keyrecipe.Store
	Ports     *portdb.DB
	Marks     *markdb.DB
	Flows     *flowdb.DB
	Logger    *slog.Logger
}

// Mapper runs installs. It is not safe for concurrent use; the caller
// serialises installs and flushes.
type Mapper struct {
	tf      tf.Facility
	tmpl    *template.Set
	tables  *gentbl.Set
	recipes *keyrecipe.Store
	ports   *portdb.DB
	marks   *markdb.DB
	flows   *flowdb.DB
	logger  *slog.Logger

	releases map[ufp.ResourceFunc]flowdb.ReleaseFunc

	glb     [template.NumGlbRF]uint64
	globals []globalAlloc
}

type globalAlloc struct {
	dir ufp.Direction
	typ tf.IdentType
	id  uint32
}

// New validates the template set and registers the release callback of
// every resource function the mapper allocates.
func New(d Deps) (*Mapper, error) {
	if d.Facility == nil || d.Templates == nil || d.Tables == nil || d.Recipes == nil ||
		d.Ports == nil || d.Marks == nil || d.Flows == nil {
		return nil, fmt.Errorf("mapper: missing dependency: %w", ufp.ErrInvalidArg)
	}
	if err := d.Templates.Validate(); err != nil {
		return nil, fmt.Errorf("template set %q: %w", d.Templates.Name, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Mapper{
		tf:      d.Facility,
		tmpl:    d.Templates,
		tables:  d.Tables,
		recipes: d.Recipes,
		ports:   d.Ports,
		marks:   d.Marks,
		flows:   d.Flows,
		logger:  logger.With(logging.ComponentKey, "mapper"),
	}
	m.releases = map[ufp.ResourceFunc]flowdb.ReleaseFunc{
		ufp.ResourceFuncIdentifier:   m.releaseIdent,
		ufp.ResourceFuncIndexTable:   m.releaseIndex,
		ufp.ResourceFuncCMMStat:      m.releaseIndex,
		ufp.ResourceFuncTCAMTable:    m.releaseTCAM,
		ufp.ResourceFuncEMTable:      m.releaseEM,
		ufp.ResourceFuncIfTable:      m.releaseIfTable,
		ufp.ResourceFuncGenericTable: m.releaseGeneric,
		ufp.ResourceFuncControl:      m.releaseControl,
		ufp.ResourceFuncRIDAlloc:     m.releaseRID,
	}
	for fn, cb := range m.releases {
		m.flows.RegisterRelease(fn, cb)
	}
	return m, nil
}

// Templates returns the template set the mapper runs.
func (m *Mapper) Templates() *template.Set { return m.tmpl }

// InitGlobal allocates the template set's global resources into the
// global register file. On failure everything allocated so far is
// released again.
func (m *Mapper) InitGlobal(ctx context.Context) error {
	for _, g := range m.tmpl.Global {
		typ := tf.IdentType(g.Type)
		id, err := m.tf.AllocIdent(ctx, g.Direction, typ)
		if err != nil {
			return errors.Join(fmt.Errorf("global resource %s: %w", g.Name, err), m.ReleaseGlobal(ctx))
		}
		m.globals = append(m.globals, globalAlloc{dir: g.Direction, typ: typ, id: id})
		m.glb[g.Reg] = uint64(id)
		m.logger.DebugContext(ctx, "global resource allocated", "name", g.Name, "dir", g.Direction, "id", id)
	}
	return nil
}

// ReleaseGlobal frees the global resources in reverse allocation order.
func (m *Mapper) ReleaseGlobal(ctx context.Context) error {
	var errs []error
	for i := len(m.globals) - 1; i >= 0; i-- {
		g := m.globals[i]
		if err := m.tf.FreeIdent(ctx, g.dir, g.typ, g.id); err != nil {
			errs = append(errs, err)
		}
	}
	m.globals = nil
	clear(m.glb[:])
	return errors.Join(errs...)
}

// GlobalRF returns a global register.
func (m *Mapper) GlobalRF(r template.GlbRF) uint64 {
	if r >= template.NumGlbRF {
		return 0
	}
	return m.glb[r]
}
