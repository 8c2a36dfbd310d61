// Package catalog holds the static partition and register-kind tables used to build batch requests.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// TaipeiCityCode is the parent region code for Taipei City.
const TaipeiCityCode = "63000000"

// District is a queryable partition of a parent region.
type District struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// RegisterKind pairs an event code with its display name.
type RegisterKind struct {
	Code portal.RegisterKind `json:"code"`
	Name string              `json:"name"`
}

var taipeiDistricts = []District{
	{Code: "63000010", Name: "松山區"},
	{Code: "63000020", Name: "信義區"},
	{Code: "63000030", Name: "大安區"},
	{Code: "63000040", Name: "中山區"},
	{Code: "63000050", Name: "中正區"},
	{Code: "63000060", Name: "大同區"},
	{Code: "63000070", Name: "萬華區"},
	{Code: "63000080", Name: "文山區"},
	{Code: "63000090", Name: "南港區"},
	{Code: "63000100", Name: "內湖區"},
	{Code: "63000110", Name: "士林區"},
	{Code: "63000120", Name: "北投區"},
}

var registerKinds = []RegisterKind{
	{Code: portal.RegisterKindAll, Name: "全部"},
	{Code: portal.RegisterKindInitial, Name: "門牌初編"},
	{Code: portal.RegisterKindRenumber, Name: "門牌改編"},
	{Code: portal.RegisterKindAddition, Name: "門牌增編"},
	{Code: portal.RegisterKindMerge, Name: "門牌合併"},
	{Code: portal.RegisterKindAbolish, Name: "門牌廢止"},
	{Code: portal.RegisterKindAreaAdjust, Name: "行政區域調整"},
	{Code: portal.RegisterKindReorganize, Name: "門牌整編"},
}

var regions = map[string][]District{
	TaipeiCityCode: taipeiDistricts,
}

// Districts returns the partitions of a parent region in code order.
func Districts(parentCode string) ([]District, error) {
	list, ok := regions[parentCode]
	if !ok {
		return nil, fmt.Errorf("unknown parent region %q", parentCode)
	}
	out := append([]District(nil), list...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Lookup returns the district with code under parentCode.
func Lookup(parentCode, code string) (District, bool) {
	for _, d := range regions[parentCode] {
		if d.Code == code || d.Name == code {
			return d, true
		}
	}
	return District{}, false
}

// PartitionCodes returns the district codes of a parent region.
func PartitionCodes(parentCode string) ([]string, error) {
	list, err := Districts(parentCode)
	if err != nil {
		return nil, err
	}
	codes := make([]string, len(list))
	for i, d := range list {
		codes[i] = d.Code
	}
	return codes, nil
}

// DistrictName returns the display name for a code, or the code itself when unknown.
func DistrictName(parentCode, code string) string {
	if d, ok := Lookup(parentCode, code); ok {
		return d.Name
	}
	return code
}

// RegisterKinds returns every register kind.
func RegisterKinds() []RegisterKind {
	return append([]RegisterKind(nil), registerKinds...)
}

// RegisterKindName returns the display name of a kind.
func RegisterKindName(kind portal.RegisterKind) (string, bool) {
	for _, k := range registerKinds {
		if k.Code == kind {
			return k.Name, true
		}
	}
	return "", false
}

// Resolve maps district names or codes to partition codes, keeping their order.
// An empty list selects every district of the parent region.
func Resolve(parentCode string, names []string) ([]string, error) {
	if len(names) == 0 {
		return PartitionCodes(parentCode)
	}
	codes := make([]string, 0, len(names))
	for _, name := range names {
		d, ok := Lookup(parentCode, strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown district %q", name)
		}
		codes = append(codes, d.Code)
	}
	return codes, nil
}
