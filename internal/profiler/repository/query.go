package repository

import (
	"math"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/armadaproject/profiler/internal/profiler/model"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func createFilterExpressions(criteria *model.FilterCriteria) []goqu.Expression {
	filters := make([]goqu.Expression, 0)
	if criteria.ElapseTime != nil {
		filters = append(filters, col_elapseTime.Gte(*criteria.ElapseTime))
	}
	if criteria.BeginTime != nil {
		filters = append(filters, col_beginTime.Gte(*criteria.BeginTime))
	}
	if criteria.FinishTime != nil {
		filters = append(filters, col_finishTime.Lte(*criteria.FinishTime))
	}
	if criteria.Method != nil {
		filters = append(filters, col_method.Eq(*criteria.Method))
	}
	if criteria.Name != nil {
		filters = append(filters, col_name.Eq(*criteria.Name))
	} else if criteria.NameRegex != nil {
		filters = append(filters, containsIgnoreCase(col_name, *criteria.NameRegex))
	}
	return filters
}

func createGroupExpressions(criteria *model.GroupCriteria) []goqu.Expression {
	filters := make([]goqu.Expression, 0)
	if criteria.BeginTime != nil {
		filters = append(filters, col_beginTime.Gte(*criteria.BeginTime))
	}
	if criteria.FinishTime != nil {
		filters = append(filters, col_finishTime.Lte(*criteria.FinishTime))
	}
	if criteria.Search != nil && *criteria.Search != "" {
		filters = append(filters, goqu.Or(
			containsIgnoreCase(col_name, *criteria.Search),
			containsIgnoreCase(col_method, *criteria.Search)))
		return filters
	}
	if criteria.Name != nil {
		filters = append(filters, col_name.Eq(*criteria.Name))
	}
	if criteria.Method != nil {
		filters = append(filters, col_method.Eq(*criteria.Method))
	}
	return filters
}

// containsIgnoreCase matches rows whose column contains value, ignoring case.
// LIKE wildcards in value are matched literally.
func containsIgnoreCase(column exp.IdentifierExpression, value string) goqu.Expression {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(value)) + "%"
	return goqu.L(`LOWER(?) LIKE ? ESCAPE '\'`, column, pattern)
}

func orderExpression(order *model.Order) exp.OrderedExpression {
	column := goqu.C(order.Field)
	if order.Direction == model.DirectionDesc {
		return column.Desc()
	}
	return column.Asc()
}

func paginate(ds *goqu.SelectDataset, offset *int, limit *int) *goqu.SelectDataset {
	if offset != nil && *offset > 0 {
		ds = ds.Offset(uint(*offset))
	}
	if limit != nil {
		ds = ds.Limit(uint(*limit))
	} else if offset != nil && *offset > 0 {
		// sqlite rejects OFFSET without LIMIT
		ds = ds.Limit(uint(math.MaxInt32))
	}
	return ds
}

// isEmptyPage reports whether the page is empty by construction. goqu treats a zero limit as no limit.
func isEmptyPage(limit *int) bool {
	return limit != nil && *limit == 0
}
