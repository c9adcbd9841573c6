package bookstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"library_reservation/pkg/database"
	"library_reservation/pkg/models"
)

var (
	ErrBookNotFound = errors.New("book not found")
	ErrOutOfStock   = errors.New("book not available")
	// ErrKeyReleased rejects a reserve whose key has already been released.
	ErrKeyReleased = errors.New("idempotency key already released")
	ErrKeyConflict = errors.New("idempotency key belongs to another book")
)

// errKeyRace signals that a concurrent request with the same key committed
// first; the caller retries once and replays its result.
var errKeyRace = errors.New("concurrent request with the same key")

type Availability struct {
	Available         bool `json:"available"`
	Quantity          int  `json:"quantity"`
	AvailableQuantity int  `json:"available_quantity"`
	Reserved          int  `json:"reserved"`
}

type Result struct {
	BookID            string `json:"book_id"`
	AvailableQuantity int    `json:"available_quantity"`
	Replayed          bool   `json:"replayed"`
}

// Service owns book stock. Every reserve and release is recorded as an
// InventoryHold keyed by the caller's idempotency key, so retries never move
// stock twice.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Get(ctx context.Context, id string) (*models.Book, error) {
	return getBook(s.db.WithContext(ctx), id)
}

func getBook(db *gorm.DB, id string) (*models.Book, error) {
	var b models.Book
	if err := db.Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("load book %s: %w", id, err)
	}
	return &b, nil
}

// List returns a page of books. Unless showAll is set only books with stock
// left are returned.
func (s *Service) List(ctx context.Context, page, size int, showAll bool) ([]models.Book, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Book{})
	if !showAll {
		q = q.Where("available_quantity > 0")
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count books: %w", err)
	}
	var books []models.Book
	err := q.Session(&gorm.Session{}).Order("title ASC, id ASC").Offset((page - 1) * size).Limit(size).Find(&books).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list books: %w", err)
	}
	return books, total, nil
}

func (s *Service) Availability(ctx context.Context, id string) (*Availability, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Availability{
		Available:         b.AvailableQuantity > 0,
		Quantity:          b.Quantity,
		AvailableQuantity: b.AvailableQuantity,
		Reserved:          b.Quantity - b.AvailableQuantity,
	}, nil
}

func findHold(db *gorm.DB, key string) (*models.InventoryHold, error) {
	var h models.InventoryHold
	err := db.Where("idempotency_key = ?", key).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load hold: %w", err)
	}
	return &h, nil
}

func createHold(tx *gorm.DB, h *models.InventoryHold) error {
	if err := tx.Create(h).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errKeyRace
		}
		return fmt.Errorf("record hold: %w", err)
	}
	return nil
}

// withKeyRetry runs fn and, when a concurrent request with the same key won
// the insert, runs it once more so the winner's outcome is replayed.
func withKeyRetry(fn func() (Result, error)) (Result, error) {
	res, err := fn()
	if errors.Is(err, errKeyRace) {
		return fn()
	}
	return res, err
}

// Reserve takes one unit of bookID under key. Reserving the same key again
// replays the first result.
func (s *Service) Reserve(ctx context.Context, bookID, key string) (Result, error) {
	return withKeyRetry(func() (Result, error) {
		var res Result
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			hold, err := findHold(tx, key)
			if err != nil {
				return err
			}
			if hold != nil {
				if hold.BookID != bookID {
					return ErrKeyConflict
				}
				if hold.Status == models.HoldReleased {
					return ErrKeyReleased
				}
				b, err := getBook(tx, bookID)
				if err != nil {
					return err
				}
				res = Result{BookID: bookID, AvailableQuantity: b.AvailableQuantity, Replayed: true}
				return nil
			}

			upd := tx.Model(&models.Book{}).
				Where("id = ? AND available_quantity > 0", bookID).
				Update("available_quantity", gorm.Expr("available_quantity - 1"))
			if upd.Error != nil {
				return fmt.Errorf("decrease stock: %w", upd.Error)
			}
			if upd.RowsAffected == 0 {
				if _, err := getBook(tx, bookID); err != nil {
					return err
				}
				return ErrOutOfStock
			}

			if err := createHold(tx, &models.InventoryHold{
				IdempotencyKey: key,
				BookID:         bookID,
				Quantity:       1,
				Status:         models.HoldHeld,
			}); err != nil {
				return err
			}

			b, err := getBook(tx, bookID)
			if err != nil {
				return err
			}
			res = Result{BookID: bookID, AvailableQuantity: b.AvailableQuantity}
			return nil
		})
		return res, err
	})
}

// Release gives back the unit held under key. Releasing an unknown key
// records a tombstone so a late reserve with that key is refused.
func (s *Service) Release(ctx context.Context, bookID, key string) (Result, error) {
	return withKeyRetry(func() (Result, error) {
		var res Result
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b, err := getBook(tx, bookID)
			if err != nil {
				return err
			}
			hold, err := findHold(tx, key)
			if err != nil {
				return err
			}

			switch {
			case hold == nil:
				if err := createHold(tx, &models.InventoryHold{
					IdempotencyKey: key,
					BookID:         bookID,
					Quantity:       0,
					Status:         models.HoldReleased,
				}); err != nil {
					return err
				}
				res = Result{BookID: bookID, AvailableQuantity: b.AvailableQuantity}
				return nil
			case hold.BookID != bookID:
				return ErrKeyConflict
			case hold.Status == models.HoldReleased:
				res = Result{BookID: bookID, AvailableQuantity: b.AvailableQuantity, Replayed: true}
				return nil
			}

			moved := tx.Model(&models.InventoryHold{}).
				Where("id = ? AND status = ?", hold.ID, models.HoldHeld).
				Update("status", models.HoldReleased)
			if moved.Error != nil {
				return fmt.Errorf("release hold: %w", moved.Error)
			}
			if moved.RowsAffected == 0 {
				return errKeyRace
			}

			upd := tx.Model(&models.Book{}).
				Where("id = ? AND available_quantity + ? <= quantity", bookID, hold.Quantity).
				Update("available_quantity", gorm.Expr("available_quantity + ?", hold.Quantity))
			if upd.Error != nil {
				return fmt.Errorf("increase stock: %w", upd.Error)
			}

			b, err = getBook(tx, bookID)
			if err != nil {
				return err
			}
			res = Result{BookID: bookID, AvailableQuantity: b.AvailableQuantity}
			return nil
		})
		return res, err
	})
}

// Seed inserts books that do not exist yet.
func (s *Service) Seed(ctx context.Context, books []models.Book) error {
	for i := range books {
		b := books[i]
		err := s.db.WithContext(ctx).Where("id = ?", b.ID).FirstOrCreate(&b).Error
		if err != nil {
			return fmt.Errorf("seed book %s: %w", b.ID, err)
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return database.Ping(ctx, s.db)
}
