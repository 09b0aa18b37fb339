package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key namespaces, one per upstream API family.
const (
	TypePortfolio  = "portfolio"
	TypeIServer    = "iserver"
	TypeMarketData = "marketdata"
	TypeSecdef     = "secdef"
	TypeTrsrv      = "trsrv"
	TypeScanner    = "scanner"
)

// SharedAccount stands in for the account part of keys that are not per account.
const SharedAccount = "shared"

// -----------------------------------------------------------------------------

// PerAccountKey builds {type}.{op}:{accountId}.
func PerAccountKey(typ, op, accountID string) string {
	return fmt.Sprintf("%s.%s:%s", typ, op, accountID)
}

// -----------------------------------------------------------------------------

// OptionContractKey builds {type}.{op}:{conid}:{month}[:{strike}[:{right}]].
// An empty strike drops the right as well.
func OptionContractKey(typ, op string, conid int64, month, strike, right string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s:%d:%s", typ, op, conid, month)
	if strike != "" {
		b.WriteString(":" + strike)
		if right != "" {
			b.WriteString(":" + right)
		}
	}
	return b.String()
}

// -----------------------------------------------------------------------------

// SnapshotKey builds {type}.{op}:{conids}:{fields} with both lists sorted, so any
// permutation of the same request lands on the same key.
func SnapshotKey(typ, op string, conids []int64, fields []string) string {
	ids := append([]int64(nil), conids...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = strconv.FormatInt(id, 10)
	}

	fs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			fs = append(fs, f)
		}
	}
	sortFields(fs)

	return fmt.Sprintf("%s.%s:%s:%s", typ, op, strings.Join(idStrs, ","), strings.Join(fs, ","))
}

// sortFields orders numeric field ids numerically and anything else after them.
func sortFields(fs []string) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, errA := strconv.Atoi(fs[i])
		b, errB := strconv.Atoi(fs[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return fs[i] < fs[j]
	})
}

// -----------------------------------------------------------------------------

// HistoryKey builds {type}.{op}:{accountId|shared}:{conid}:{period}:{bar}.
func HistoryKey(typ, op, accountID string, conid int64, period, bar string) string {
	if accountID == "" {
		accountID = SharedAccount
	}
	return fmt.Sprintf("%s.%s:%s:%d:%s:%s", typ, op, accountID, conid, period, bar)
}

// -----------------------------------------------------------------------------

// DefaultKey builds {op}:({args}):{{kwargs}} with kwargs ordered by name.
func DefaultKey(op string, args []interface{}, kwargs map[string]interface{}) string {
	argStrs := make([]string, len(args))
	for i, a := range args {
		argStrs[i] = fmt.Sprint(a)
	}

	names := make([]string, 0, len(kwargs))
	for k := range kwargs {
		names = append(names, k)
	}
	sort.Strings(names)

	kw := make([]string, len(names))
	for i, k := range names {
		kw[i] = fmt.Sprintf("%s=%v", k, kwargs[k])
	}

	return fmt.Sprintf("%s:(%s):{%s}", op, strings.Join(argStrs, ","), strings.Join(kw, ","))
}
