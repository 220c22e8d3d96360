package querybuilder

import (
	"fmt"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
	"github.com/cliftonc/drizzle-cube-sub010/internal/datetime"
	"github.com/cliftonc/drizzle-cube-sub010/internal/filtercache"
	"github.com/cliftonc/drizzle-cube-sub010/internal/measurebuilder"
	"github.com/cliftonc/drizzle-cube-sub010/internal/sqlexpr"
)

// Builder assembles QueryPlans into SQL (spec §4.6). It is stateless
// across calls except for the filter cache manager, which is itself
// allocated fresh per request by the caller (spec §3 Lifecycle) and passed
// in rather than owned here.
type Builder struct {
	reg *cube.Registry
	mb  *measurebuilder.Builder
	dt  *datetime.Builder
	fc  *filtercache.Manager
}

func New(reg *cube.Registry, mb *measurebuilder.Builder, dt *datetime.Builder, fc *filtercache.Manager) *Builder {
	return &Builder{reg: reg, mb: mb, dt: dt, fc: fc}
}

// fieldExprForCube resolves "cubeName.field" to a qualified SQL expression
// against that cube's own base table — used for dimension filters and
// plain (non-aggregate) column references. Aggregate measure expressions
// go through measurebuilder instead.
func (b *Builder) fieldExprForCube(cubeName, field string) (string, error) {
	return resolveFieldExpr(b.reg, cubeName, field)
}

// resolveFieldExpr resolves "cubeName.field" to a qualified SQL expression
// against that cube's own base table, independent of any query plan — the
// same resolution Builder.fieldExprForCube performs, factored out so the
// executor's pre-planning filter cache preload (spec §4.3, §4.8) can
// render identical fragments to whatever the real build pass renders
// later for the same filter leaf.
func resolveFieldExpr(reg *cube.Registry, cubeName, field string) (string, error) {
	c, ok := reg.Get(cubeName)
	if !ok {
		return "", fmt.Errorf("querybuilder: unknown cube %q", cubeName)
	}
	if dim, ok := c.Dimensions[field]; ok {
		return sqlexpr.Resolve(sqlexpr.Qualify(dim.SQL, cubeName))
	}
	if m, ok := c.Measures[field]; ok {
		return sqlexpr.Resolve(sqlexpr.Qualify(m.SQL, cubeName))
	}
	return "", fmt.Errorf("querybuilder: unknown member %s.%s", cubeName, field)
}
