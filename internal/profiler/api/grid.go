package api

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/armadaproject/profiler/internal/profiler/model"
)

// Column maps of the dashboard tables.
var (
	measurementColumns = map[int]string{
		0: "method",
		1: "name",
		2: "elapse_time",
		3: "begin_time",
	}
	groupColumns = map[int]string{
		2: "count",
		3: "avg",
		4: "max",
		5: "min",
	}
)

type gridResponse struct {
	Echo                string      `json:"sEcho"`
	TotalRecords        int         `json:"iTotalRecords"`
	TotalDisplayRecords int         `json:"iTotalDisplayRecords"`
	Data                interface{} `json:"data"`
}

// gridPage holds the paging and sorting parameters common to both grid tables.
type gridPage struct {
	echo   string
	offset *int
	limit  *int
	sort   string
}

func isGridRequest(query url.Values) bool {
	_, ok := query["sEcho"]
	return ok
}

func gridParam(query url.Values, name string, def string) string {
	if value, ok := param(query, name); ok {
		return value
	}
	return def
}

func gridInt(query url.Values, name string, def int) (int, error) {
	return strconv.Atoi(strings.TrimSpace(gridParam(query, name, strconv.Itoa(def))))
}

func parseGridPage(query url.Values, columns map[int]string) (*gridPage, error) {
	start, err := gridInt(query, "iDisplayStart", 0)
	if err != nil || start < 0 {
		return nil, gridParamError
	}
	length, err := gridInt(query, "iDisplayLength", 10)
	if err != nil || length < -1 {
		return nil, gridParamError
	}
	sortIndex, err := gridInt(query, "iSortCol_0", 2)
	if err != nil {
		return nil, gridParamError
	}
	sortColumn, ok := columns[sortIndex]
	if !ok {
		return nil, gridParamError
	}
	page := &gridPage{
		echo:   gridParam(query, "sEcho", "1"),
		offset: &start,
		sort:   sortColumn + "," + strings.TrimSpace(gridParam(query, "sSortDir_0", "asc")),
	}
	// DataTables asks for every row with a length of -1.
	if length >= 0 {
		page.limit = &length
	}
	return page, nil
}

func parseGridFilterCriteria(query url.Values) (*model.FilterCriteria, string, error) {
	page, err := parseGridPage(query, measurementColumns)
	if err != nil {
		return nil, "", err
	}
	criteria := &model.FilterCriteria{
		Sort:        page.sort,
		Offset:      page.offset,
		Limit:       page.limit,
		ReturnTotal: true,
	}
	for i := 0; i < len(measurementColumns); i++ {
		searchable, err := Str2Bool(gridParam(query, "bSearchable_"+strconv.Itoa(i), "false"))
		if err != nil {
			return nil, "", gridParamError
		}
		search := strings.TrimSpace(gridParam(query, "sSearch_"+strconv.Itoa(i), ""))
		if !searchable || search == "" {
			continue
		}
		switch measurementColumns[i] {
		case "method":
			if !strings.EqualFold(search, "ALL") {
				criteria.Method = &search
			}
		case "name":
			criteria.NameRegex = &search
		case "elapse_time":
			if criteria.ElapseTime, err = parseFloat(search); err != nil {
				return nil, "", gridParamError
			}
		case "begin_time":
			if err := parseTimeRange(search, criteria); err != nil {
				return nil, "", err
			}
		}
	}
	return criteria, page.echo, nil
}

// parseTimeRange parses "begin-end" where either side may be empty.
func parseTimeRange(search string, criteria *model.FilterCriteria) error {
	bounds := strings.Split(search, "-")
	if len(bounds) > 2 {
		return gridParamError
	}
	var err error
	if begin := strings.TrimSpace(bounds[0]); begin != "" {
		if criteria.BeginTime, err = parseFloat(begin); err != nil {
			return gridParamError
		}
	}
	if len(bounds) == 2 {
		if finish := strings.TrimSpace(bounds[1]); finish != "" {
			if criteria.FinishTime, err = parseFloat(finish); err != nil {
				return gridParamError
			}
		}
	}
	return nil
}

func parseGridGroupCriteria(query url.Values) (*model.GroupCriteria, string, error) {
	page, err := parseGridPage(query, groupColumns)
	if err != nil {
		return nil, "", err
	}
	criteria := &model.GroupCriteria{
		Sort:        page.sort,
		Offset:      page.offset,
		Limit:       page.limit,
		ReturnTotal: true,
	}
	if search, ok := param(query, "sSearch"); ok && search != "" {
		criteria.Search = &search
	}
	return criteria, page.echo, nil
}
