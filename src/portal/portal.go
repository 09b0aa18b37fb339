// Package portal exposes the Client Portal REST endpoints the relay consumes,
// with the reference lookups cached per operation.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"portal-relay/src/cache"
	"portal-relay/src/helpers"
	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/models"
)

// Client is the typed REST surface of the portal.
type Client struct {
	Requester interfaces.IRequester
	Cache     *cache.Cache
	Logger    *logger.Logger
}

// -----------------------------------------------------------------------------

func NewClient(req interfaces.IRequester, c *cache.Cache, log *logger.Logger) *Client {
	return &Client{Requester: req, Cache: c, Logger: log}
}

// -----------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	return c.Requester.RequestJSON(ctx, http.MethodGet, path, models.MRequestOptions{Query: query}, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.Requester.RequestJSON(ctx, http.MethodPost, path, models.MRequestOptions{Body: body}, out)
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Validate checks the SSO session. A 401 comes back as helpers.ErrUnauthorized.
func (c *Client) Validate(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.get(ctx, "/sso/validate", nil, &out)
	return out, err
}

// Tickle keeps the brokerage session alive.
func (c *Client) Tickle(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.post(ctx, "/tickle", nil, &out)
	return out, err
}

func (c *Client) AuthStatus(ctx context.Context) (*models.MPortalAuthStatus, error) {
	var out models.MPortalAuthStatus
	if err := c.post(ctx, "/iserver/auth/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.post(ctx, "/logout", nil, nil)
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// IServerAccounts also primes the brokerage session; most /iserver calls fail
// until it has been called once.
func (c *Client) IServerAccounts(ctx context.Context) (*models.MIServerAccounts, error) {
	var out models.MIServerAccounts
	if err := c.get(ctx, "/iserver/accounts", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PortfolioAccounts(ctx context.Context) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.get(ctx, "/portfolio/accounts", nil, &out)
	return out, err
}

// Permissions returns the account properties and features granted to accountID.
func (c *Client) Permissions(ctx context.Context, accountID string) (*models.MPermissions, error) {
	key := cache.PerAccountKey(cache.TypeIServer, cache.OpPermissions, accountID)
	return cache.Remember(ctx, c.Cache, cache.OpPermissions, key, func(ctx context.Context) (*models.MPermissions, error) {
		accts, err := c.IServerAccounts(ctx)
		if err != nil {
			return nil, err
		}
		props, ok := accts.AcctProps[accountID]
		if !ok {
			return nil, helpers.NewError(helpers.KindNotFound, "account "+accountID, nil)
		}
		return &models.MPermissions{AccountID: accountID, Properties: props, Features: accts.AllowFeatures}, nil
	})
}

// -----------------------------------------------------------------------------
// Portfolio
// -----------------------------------------------------------------------------

func (c *Client) PositionsPage(ctx context.Context, accountID string, page int) ([]models.MPosition, error) {
	var out []models.MPosition
	err := c.get(ctx, fmt.Sprintf("/portfolio/%s/positions/%d", url.PathEscape(accountID), page), nil, &out)
	return out, err
}

func (c *Client) Allocation(ctx context.Context, accountID string) (*models.MAllocation, error) {
	key := cache.PerAccountKey(cache.TypePortfolio, cache.OpAllocation, accountID)
	return cache.Remember(ctx, c.Cache, cache.OpAllocation, key, func(ctx context.Context) (*models.MAllocation, error) {
		var out models.MAllocation
		if err := c.get(ctx, fmt.Sprintf("/portfolio/%s/allocation", url.PathEscape(accountID)), nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// RefreshAllocation bypasses the cached allocation.
func (c *Client) RefreshAllocation(ctx context.Context, accountID string) (*models.MAllocation, error) {
	if c.Cache != nil {
		key := cache.PerAccountKey(cache.TypePortfolio, cache.OpAllocation, accountID)
		if err := c.Cache.Invalidate(ctx, key); err != nil {
			c.Logger.Warning("invalidate %s failed: %v", key, err)
		}
	}
	return c.Allocation(ctx, accountID)
}

// -----------------------------------------------------------------------------

// Ledger returns the raw ledger rows keyed by currency (and BASE).
func (c *Client) Ledger(ctx context.Context, accountID string) (map[string]map[string]interface{}, error) {
	key := cache.PerAccountKey(cache.TypePortfolio, cache.OpLedger, accountID)
	return cache.Remember(ctx, c.Cache, cache.OpLedger, key, func(ctx context.Context) (map[string]map[string]interface{}, error) {
		var out map[string]map[string]interface{}
		err := c.get(ctx, fmt.Sprintf("/portfolio/%s/ledger", url.PathEscape(accountID)), nil, &out)
		return out, err
	})
}

func (c *Client) AccountSummary(ctx context.Context, accountID string) (map[string]interface{}, error) {
	key := cache.PerAccountKey(cache.TypePortfolio, cache.OpAccountSummary, accountID)
	return cache.Remember(ctx, c.Cache, cache.OpAccountSummary, key, func(ctx context.Context) (map[string]interface{}, error) {
		var out map[string]interface{}
		err := c.get(ctx, fmt.Sprintf("/portfolio/%s/summary", url.PathEscape(accountID)), nil, &out)
		return out, err
	})
}

func (c *Client) ComboPositions(ctx context.Context, accountID string) (json.RawMessage, error) {
	key := cache.PerAccountKey(cache.TypePortfolio, cache.OpCombo, accountID)
	return cache.Remember(ctx, c.Cache, cache.OpCombo, key, func(ctx context.Context) (json.RawMessage, error) {
		var out json.RawMessage
		err := c.get(ctx, fmt.Sprintf("/portfolio/%s/combo/positions", url.PathEscape(accountID)), map[string]string{"nocache": "true"}, &out)
		return out, err
	})
}

// -----------------------------------------------------------------------------
// Contracts
// -----------------------------------------------------------------------------

func (c *Client) SecdefSearch(ctx context.Context, symbol, secType string) (json.RawMessage, error) {
	q := map[string]string{"symbol": symbol}
	if secType != "" {
		q["secType"] = secType
	}
	var out json.RawMessage
	err := c.get(ctx, "/iserver/secdef/search", q, &out)
	return out, err
}

// OptionStrikes lists the strikes for an underlying in a contract month such as JUL25.
func (c *Client) OptionStrikes(ctx context.Context, conid int64, month, exchange string) (*models.MOptionStrikes, error) {
	key := cache.OptionContractKey(cache.TypeSecdef, cache.OpOptionStrikes, conid, month, "", "")
	return cache.Remember(ctx, c.Cache, cache.OpOptionStrikes, key, func(ctx context.Context) (*models.MOptionStrikes, error) {
		q := map[string]string{
			"conid":   strconv.FormatInt(conid, 10),
			"sectype": "OPT",
			"month":   month,
		}
		if exchange != "" {
			q["exchange"] = exchange
		}
		var out models.MOptionStrikes
		if err := c.get(ctx, "/iserver/secdef/strikes", q, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// SecdefInfo resolves option contracts for an underlying, month, strike and right.
func (c *Client) SecdefInfo(ctx context.Context, conid int64, month string, strike float64, right string) (json.RawMessage, error) {
	strikeStr := ""
	if strike > 0 {
		strikeStr = strconv.FormatFloat(strike, 'f', -1, 64)
	}
	key := cache.OptionContractKey(cache.TypeSecdef, cache.OpSecdefInfo, conid, month, strikeStr, right)
	return cache.Remember(ctx, c.Cache, cache.OpSecdefInfo, key, func(ctx context.Context) (json.RawMessage, error) {
		q := map[string]string{
			"conid":   strconv.FormatInt(conid, 10),
			"sectype": "OPT",
			"month":   month,
		}
		if strikeStr != "" {
			q["strike"] = strikeStr
		}
		if right != "" {
			q["right"] = right
		}
		var out json.RawMessage
		err := c.get(ctx, "/iserver/secdef/info", q, &out)
		return out, err
	})
}

// ContractInfo looks up contract definitions by conid.
func (c *Client) ContractInfo(ctx context.Context, conids []int64) (json.RawMessage, error) {
	csv := joinConids(conids)
	key := cache.DefaultKey(cache.OpContractInfo, []interface{}{csv}, nil)
	return cache.Remember(ctx, c.Cache, cache.OpContractInfo, key, func(ctx context.Context) (json.RawMessage, error) {
		var out json.RawMessage
		err := c.get(ctx, "/trsrv/secdef", map[string]string{"conids": csv}, &out)
		return out, err
	})
}

// -----------------------------------------------------------------------------
// Market data
// -----------------------------------------------------------------------------

// Snapshot polls a multi-field quote for conids.
func (c *Client) Snapshot(ctx context.Context, conids []int64, fields []string) ([]map[string]interface{}, error) {
	key := cache.SnapshotKey(cache.TypeMarketData, cache.OpSnapshot, conids, fields)
	return cache.Remember(ctx, c.Cache, cache.OpSnapshot, key, func(ctx context.Context) ([]map[string]interface{}, error) {
		var out []map[string]interface{}
		err := c.get(ctx, "/iserver/marketdata/snapshot", map[string]string{
			"conids": joinConids(conids),
			"fields": strings.Join(fields, ","),
		}, &out)
		return out, err
	})
}

// History returns chart bars for conid. An empty accountID shares the entry.
func (c *Client) History(ctx context.Context, accountID string, conid int64, period, bar string, outsideRth bool) (json.RawMessage, error) {
	key := cache.HistoryKey(cache.TypeIServer, cache.OpHistory, accountID, conid, period, bar)
	return cache.Remember(ctx, c.Cache, cache.OpHistory, key, func(ctx context.Context) (json.RawMessage, error) {
		var out json.RawMessage
		err := c.get(ctx, "/iserver/marketdata/history", map[string]string{
			"conid":      strconv.FormatInt(conid, 10),
			"period":     period,
			"bar":        bar,
			"outsideRth": strconv.FormatBool(outsideRth),
		}, &out)
		return out, err
	})
}

// -----------------------------------------------------------------------------
// Performance & PnL
// -----------------------------------------------------------------------------

func (c *Client) Performance(ctx context.Context, accountIDs []string, period string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post(ctx, "/pa/performance", map[string]interface{}{
		"acctIds": accountIDs,
		"period":  period,
	}, &out)
	return out, err
}

func (c *Client) PartitionedPnL(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get(ctx, "/iserver/account/pnl/partitioned", nil, &out)
	return out, err
}

func (c *Client) Watchlists(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get(ctx, "/iserver/watchlists", map[string]string{"SC": "USER_WATCHLIST"}, &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Scanner
// -----------------------------------------------------------------------------

func (c *Client) ScannerParams(ctx context.Context) (json.RawMessage, error) {
	key := cache.DefaultKey(cache.OpScannerParams, nil, nil)
	return cache.Remember(ctx, c.Cache, cache.OpScannerParams, key, func(ctx context.Context) (json.RawMessage, error) {
		var out json.RawMessage
		err := c.get(ctx, "/iserver/scanner/params", nil, &out)
		return out, err
	})
}

func (c *Client) ScannerRun(ctx context.Context, body map[string]interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post(ctx, "/iserver/scanner/run", body, &out)
	return out, err
}

// -----------------------------------------------------------------------------

// InvalidateAccount drops every cached per-account entry of accountID.
func (c *Client) InvalidateAccount(ctx context.Context, accountID string) {
	if c.Cache == nil {
		return
	}
	for _, key := range []string{
		cache.PerAccountKey(cache.TypePortfolio, cache.OpAllocation, accountID),
		cache.PerAccountKey(cache.TypePortfolio, cache.OpLedger, accountID),
		cache.PerAccountKey(cache.TypePortfolio, cache.OpAccountSummary, accountID),
		cache.PerAccountKey(cache.TypePortfolio, cache.OpCombo, accountID),
		cache.PerAccountKey(cache.TypeIServer, cache.OpPermissions, accountID),
	} {
		if err := c.Cache.Invalidate(ctx, key); err != nil {
			c.Logger.Warning("invalidate %s failed: %v", key, err)
		}
	}
}

// -----------------------------------------------------------------------------

func joinConids(conids []int64) string {
	ids := append([]int64(nil), conids...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
