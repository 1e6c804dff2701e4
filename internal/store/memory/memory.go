package memory

import (
	"context"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Store keeps everything behind one mutex. Each mutating call stages its changes and
// applies them only once every check has passed, so a failed call leaves no trace.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	salesByID       map[string]domain.Sale
	returnLines     map[string][]domain.ReturnLine
	refundsByID     map[string]domain.Refund
	receiptsByID    map[string]domain.ReturnReceipt
	purchasesByID   map[string]domain.Purchase
	usersByUsername map[string]domain.UserAccount
}

var (
	_ store.Repository  = (*Store)(nil)
	_ store.StockLedger = (*Store)(nil)
)

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		salesByID:       make(map[string]domain.Sale),
		returnLines:     make(map[string][]domain.ReturnLine),
		refundsByID:     make(map[string]domain.Refund),
		receiptsByID:    make(map[string]domain.ReturnReceipt),
		purchasesByID:   make(map[string]domain.Purchase),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a demo catalog and the admin and cashier accounts.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD when set.
func NewSeeded(logger *zap.Logger) *Store {
	s := New()
	tax := decimal.NewFromInt(11)
	for _, p := range []domain.Product{
		{ID: "P-MIE-01", Name: "Mie Goreng Instan", PriceCents: 3500, TaxRatePercent: tax},
		{ID: "P-TELUR-01", Name: "Telur 10 Butir", PriceCents: 26500, TaxRatePercent: decimal.Zero},
		{ID: "P-SUSU-01", Name: "Susu UHT 1L", PriceCents: 18900, TaxRatePercent: tax},
		{ID: "P-ROTI-01", Name: "Roti Tawar", PriceCents: 17800, TaxRatePercent: tax},
		{ID: "P-KOPI-01", Name: "Kopi Sachet", PriceCents: 2600, TaxRatePercent: tax},
		{ID: "P-GULA-01", Name: "Gula 1kg", PriceCents: 17400, TaxRatePercent: decimal.Zero},
		{ID: "P-TEH-01", Name: "Teh Celup", PriceCents: 9800, TaxRatePercent: tax},
		{ID: "P-SABUN-01", Name: "Sabun Mandi", PriceCents: 7400, TaxRatePercent: tax},
	} {
		p.Stock = 120
		p.Active = true
		s.PutProduct(p)
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, &store.Error{Kind: store.ErrNotFound, ProductID: productID}
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

// stockJournal stages stock deltas against the live catalog.
type stockJournal struct {
	products map[string]domain.Product
	stock    map[string]int
}

func (s *Store) newJournal() *stockJournal {
	return &stockJournal{products: s.products, stock: make(map[string]int)}
}

func (j *stockJournal) current(productID string) (int, bool) {
	if qty, ok := j.stock[productID]; ok {
		return qty, true
	}
	product, ok := j.products[productID]
	return product.Stock, ok
}

func (j *stockJournal) decrementGuarded(productID string, qty int) error {
	stock, ok := j.current(productID)
	if !ok || stock < qty {
		return store.InsufficientStock(productID)
	}
	j.stock[productID] = stock - qty
	return nil
}

func (j *stockJournal) adjust(productID string, delta int) error {
	stock, ok := j.current(productID)
	if !ok {
		return store.StockUpdateFailed(productID)
	}
	j.stock[productID] = stock + delta
	return nil
}

func (j *stockJournal) apply() {
	for productID, qty := range j.stock {
		product := j.products[productID]
		product.Stock = qty
		j.products[productID] = product
	}
}

func (s *Store) DecrementStockGuarded(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	journal := s.newJournal()
	if err := journal.decrementGuarded(productID, qty); err != nil {
		return err
	}
	journal.apply()
	return nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	journal := s.newJournal()
	if err := journal.adjust(productID, qty); err != nil {
		return err
	}
	journal.apply()
	return nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "duplicate sale id"}
	}

	lines := make([]domain.SaleLine, len(sale.Lines))
	journal := s.newJournal()
	for idx, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: line.ProductID, Line: idx + 1}
		}
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, &store.Error{Kind: store.ErrNotFound, ProductID: line.ProductID, Line: idx + 1}
		}
		if err := journal.decrementGuarded(line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		if line.ID == "" {
			line.ID = xid.New("sl")
		}
		line.SaleID = sale.ID
		lines[idx] = line
	}

	journal.apply()
	sale.Lines = lines
	s.salesByID[sale.ID] = sale
	return cloneSale(sale), nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) GetReturnTally(_ context.Context, saleID string) (domain.ReturnTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tallyLocked(saleID), nil
}

func (s *Store) tallyLocked(saleID string) domain.ReturnTally {
	tally := domain.NewReturnTally()
	for _, line := range s.returnLines[saleID] {
		tally.Add(line)
	}
	return tally
}

// AddLegacyReturnLine records a return keyed only by product, as older data was.
func (s *Store) AddLegacyReturnLine(saleID string, productID string, qty decimal.Decimal, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnLines[saleID] = append(s.returnLines[saleID], domain.ReturnLine{
		ID:        xid.New("rl"),
		ReturnID:  xid.New("ret"),
		SaleID:    saleID,
		ProductID: productID,
		Quantity:  qty,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) CommitReturn(_ context.Context, plan domain.ReturnPlan) (*domain.ReturnReceipt, error) {
	if len(plan.Lines) == 0 || plan.Split.TotalCents() != plan.TotalCents {
		return nil, store.ErrInvalidTransaction
	}
	if plan.ReturnID == "" {
		plan.ReturnID = xid.New("ret")
	}
	if plan.RefundID == "" {
		plan.RefundID = xid.New("refund")
	}
	if plan.ReceiptID == "" {
		plan.ReceiptID = xid.New("rr")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[plan.SaleID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	if offending, ok := plan.Verify(sale.Lines, s.tallyLocked(plan.SaleID)); !ok {
		return nil, store.OverReturn(offending)
	}

	journal := s.newJournal()
	names := make(map[string]string, len(plan.Lines))
	for _, planned := range plan.Lines {
		if err := journal.adjust(planned.SaleLine.ProductID, planned.Quantity); err != nil {
			return nil, err
		}
		names[planned.SaleLine.ProductID] = s.products[planned.SaleLine.ProductID].Name
	}

	journal.apply()
	for _, line := range plan.ReturnLines() {
		line.ID = xid.New("rl")
		s.returnLines[plan.SaleID] = append(s.returnLines[plan.SaleID], line)
	}
	refund := plan.Refund()
	s.refundsByID[refund.ID] = refund
	receipt := plan.Receipt(names)
	s.receiptsByID[receipt.ID] = receipt
	return &receipt, nil
}

func (s *Store) GetReturnReceipt(_ context.Context, receiptID string) (*domain.ReturnReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receiptsByID[receiptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	receipt.Payload.Items = append([]domain.ReceiptItem(nil), receipt.Payload.Items...)
	return &receipt, nil
}

// Refunds lists the refunds recorded against a sale.
func (s *Store) Refunds(saleID string) []domain.Refund {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refunds := make([]domain.Refund, 0, 2)
	for _, refund := range s.refundsByID {
		if refund.SaleID == saleID {
			refunds = append(refunds, refund)
		}
	}
	return refunds
}

func (s *Store) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	purchase.Vendor = strings.TrimSpace(purchase.Vendor)
	if purchase.Vendor == "" || len(purchase.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("po")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = purchase.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.purchasesByID[purchase.ID]; exists {
		return nil, &store.Error{Kind: store.ErrInvalidTransaction, Detail: "duplicate purchase id"}
	}

	staged := make(map[string]domain.Product)
	lines := make([]domain.PurchaseLine, len(purchase.Lines))
	purchase.TotalCents = 0
	for idx, line := range purchase.Lines {
		if line.Quantity < 1 || line.CostCents < 0 {
			return nil, &store.Error{Kind: store.ErrInvalidTransaction, ProductID: line.ProductID, Line: idx + 1}
		}
		product, ok := staged[line.ProductID]
		if !ok {
			product, ok = s.products[line.ProductID]
			if !ok {
				return nil, &store.Error{Kind: store.ErrNotFound, ProductID: line.ProductID, Line: idx + 1}
			}
		}
		if line.ID == "" {
			line.ID = xid.New("pl")
		}
		line.PurchaseID = purchase.ID
		line.PrevLastCostCents = product.LastCostCents
		line.PrevAvgCostCents = product.AvgCostCents

		product.AvgCostCents = weightedCostCents(product.AvgCostCents, product.Stock, line.CostCents, line.Quantity)
		product.LastCostCents = line.CostCents
		product.Stock += line.Quantity
		staged[line.ProductID] = product

		purchase.TotalCents += line.CostCents * int64(line.Quantity)
		lines[idx] = line
	}

	for id, product := range staged {
		s.products[id] = product
	}
	purchase.Lines = lines
	s.purchasesByID[purchase.ID] = purchase
	return clonePurchase(purchase), nil
}

func (s *Store) GetPurchase(_ context.Context, purchaseID string) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchase, ok := s.purchasesByID[purchaseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePurchase(purchase), nil
}

// DeletePurchase unwinds lines newest first. Stock may go negative.
func (s *Store) DeletePurchase(_ context.Context, purchaseID string) ([]domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purchase, ok := s.purchasesByID[purchaseID]
	if !ok {
		return nil, store.ErrNotFound
	}

	staged := make(map[string]domain.Product)
	movements := make([]domain.StockMovement, 0, len(purchase.Lines))
	for idx := len(purchase.Lines) - 1; idx >= 0; idx-- {
		line := purchase.Lines[idx]
		product, ok := staged[line.ProductID]
		if !ok {
			product, ok = s.products[line.ProductID]
			if !ok {
				return nil, store.StockUpdateFailed(line.ProductID)
			}
		}
		product.Stock -= line.Quantity
		if product.LastCostCents == line.CostCents {
			product.LastCostCents = line.PrevLastCostCents
			product.AvgCostCents = line.PrevAvgCostCents
		}
		staged[line.ProductID] = product
		movements = append(movements, domain.StockMovement{ProductID: line.ProductID, Quantity: -line.Quantity})
	}

	for id, product := range staged {
		s.products[id] = product
	}
	delete(s.purchasesByID, purchaseID)
	return movements, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func weightedCostCents(oldCost int64, oldQty int, incomingCost int64, incomingQty int) int64 {
	if incomingQty <= 0 {
		return oldCost
	}
	if oldQty <= 0 || oldCost <= 0 {
		return incomingCost
	}
	totalQty := oldQty + incomingQty
	totalValue := oldCost*int64(oldQty) + incomingCost*int64(incomingQty)
	return int64(math.Round(float64(totalValue) / float64(totalQty)))
}

func cloneSale(src domain.Sale) *domain.Sale {
	dst := src
	dst.Lines = append([]domain.SaleLine(nil), src.Lines...)
	return &dst
}

func clonePurchase(src domain.Purchase) *domain.Purchase {
	dst := src
	dst.Lines = append([]domain.PurchaseLine(nil), src.Lines...)
	return &dst
}
