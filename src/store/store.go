// Package store holds the per-account reference data and subscription state.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/models"
	"portal-relay/src/shapers"
	"portal-relay/src/utils"
)

// maxPositionPages bounds the paged positions listing.
const maxPositionPages = 100

// minReload is the shortest gap between two position reloads triggered by
// ticks for unknown conids.
const minReload = 5 * time.Second

// -----------------------------------------------------------------------------

// Store owns the AccountState of every active account. Accounts never share
// a lock.
type Store struct {
	Source   interfaces.IPortfolioSource
	Calendar *utils.TradingCalendar
	Logger   *logger.Logger

	mu         sync.Mutex
	accounts   map[string]*AccountState
	lastReload map[string]time.Time
	now        func() time.Time
}

// -----------------------------------------------------------------------------

func New(source interfaces.IPortfolioSource, log *logger.Logger) *Store {
	return &Store{
		Source:     source,
		Calendar:   utils.USCalendar(),
		Logger:     log,
		accounts:   map[string]*AccountState{},
		lastReload: map[string]time.Time{},
		now:        time.Now,
	}
}

// -----------------------------------------------------------------------------

// Account returns the state of accountID, creating it on first use.
func (s *Store) Account(accountID string) *AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[accountID]
	if !ok {
		st = NewAccountState(accountID)
		s.accounts[accountID] = st
	}
	return st
}

// Lookup returns the state of accountID if it exists.
func (s *Store) Lookup(accountID string) (*AccountState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[accountID]
	return st, ok
}

// Remove forgets accountID.
func (s *Store) Remove(accountID string) {
	s.mu.Lock()
	delete(s.accounts, accountID)
	delete(s.lastReload, accountID)
	s.mu.Unlock()
}

// Accounts returns the ids of every tracked account.
func (s *Store) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	return out
}

// -----------------------------------------------------------------------------

// Positions returns the account positions, loading them on first use.
func (s *Store) Positions(ctx context.Context, accountID string) ([]models.MPosition, error) {
	if list, loaded := s.Account(accountID).Positions(); loaded {
		return list, nil
	}
	return s.LoadPositions(ctx, accountID)
}

// -----------------------------------------------------------------------------

// LoadPositions page-loads the positions until an empty page and stores the
// concatenation.
func (s *Store) LoadPositions(ctx context.Context, accountID string) ([]models.MPosition, error) {
	var all []models.MPosition
	complete := false
	for page := 0; page < maxPositionPages; page++ {
		rows, err := s.Source.PositionsPage(ctx, accountID, page)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			complete = true
			break
		}
		all = append(all, rows...)
	}
	if !complete {
		s.Logger.Warning("Positions of %s truncated at %d pages (%d rows)", accountID, maxPositionPages, len(all))
	}

	s.mu.Lock()
	s.lastReload[accountID] = s.now()
	s.mu.Unlock()

	st := s.Account(accountID)
	st.SetPositions(all)
	list, _ := st.Positions()
	s.Logger.Debug("Loaded %d positions for %s", len(list), accountID)
	return list, nil
}

// -----------------------------------------------------------------------------

// Position returns the position of conid, reloading the list once if the conid
// is unknown and the last reload is old enough.
func (s *Store) Position(ctx context.Context, accountID string, conid int64) (models.MPosition, bool, error) {
	st := s.Account(accountID)
	if p, ok := st.Position(conid); ok {
		return p, true, nil
	}

	_, loaded := st.Positions()
	if loaded && !s.reloadDue(accountID) {
		return models.MPosition{}, false, nil
	}

	if _, err := s.LoadPositions(ctx, accountID); err != nil {
		return models.MPosition{}, false, err
	}
	p, ok := st.Position(conid)
	return p, ok, nil
}

func (s *Store) reloadDue(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastReload[accountID]) >= minReload
}

// -----------------------------------------------------------------------------

// RelatedPositions returns the stock holding of stockConid and every option
// whose description mentions ticker, annotated with days to expiry.
func (s *Store) RelatedPositions(ctx context.Context, accountID string, stockConid int64, ticker string) (*models.MRelatedPositions, error) {
	list, err := s.Positions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := &models.MRelatedPositions{Options: []models.MPosition{}}
	needle := strings.ToUpper(strings.TrimSpace(ticker))
	now := s.now()

	for _, p := range list {
		if p.Conid == stockConid {
			stock := p
			out.Stock = &stock
			continue
		}
		if needle == "" || !p.IsOption() {
			continue
		}
		if strings.Contains(strings.ToUpper(p.ContractDesc), needle) {
			out.Options = append(out.Options, shapers.AnnotateExpiry(p, now, s.Calendar))
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------

// Allocation fetches the allocation and keeps it for replay.
func (s *Store) Allocation(ctx context.Context, accountID string) (*models.MAllocation, error) {
	alloc, err := s.Source.Allocation(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.Account(accountID).SetAllocation(alloc)
	return alloc, nil
}

// -----------------------------------------------------------------------------

// Ledger fetches and shapes the ledger.
func (s *Store) Ledger(ctx context.Context, accountID string) (*models.MLedger, error) {
	rows, err := s.Source.Ledger(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ledger := shapers.LedgerFromRows(rows)
	s.Account(accountID).SetLedger(&ledger)
	return &ledger, nil
}
