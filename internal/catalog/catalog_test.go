package catalog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&types.Good{}, &types.User{}, &types.Trade{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedGood(t *testing.T, db *gorm.DB, name string, stock int) {
	t.Helper()
	good := types.Good{GoodsName: name, Price: 19.90, Stock: stock}
	if err := db.Create(&good).Error; err != nil {
		t.Fatalf("failed to seed good: %v", err)
	}
}

func currentStock(t *testing.T, db *gorm.DB, name string) int {
	t.Helper()
	var good types.Good
	if err := db.Where("goods_name = ?", name).First(&good).Error; err != nil {
		t.Fatalf("failed to read good: %v", err)
	}
	return good.Stock
}

func TestReserve(t *testing.T) {
	t.Run("Given stock available When Reserve called Then stock decrements by one", func(t *testing.T) {
		db := newTestDB(t)
		seedGood(t, db, "30天VIP", 3)
		service := NewService(db)

		result, err := service.Reserve("30天VIP")
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if result != Reserved {
			t.Errorf("expected Reserved, got %v", result)
		}
		if got := currentStock(t, db, "30天VIP"); got != 2 {
			t.Errorf("expected stock 2, got %d", got)
		}
	})

	t.Run("Given stock exhausted When Reserve called Then OutOfStock and no mutation", func(t *testing.T) {
		db := newTestDB(t)
		seedGood(t, db, "30天VIP", 0)
		service := NewService(db)

		result, err := service.Reserve("30天VIP")
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if result != OutOfStock {
			t.Errorf("expected OutOfStock, got %v", result)
		}
		if got := currentStock(t, db, "30天VIP"); got != 0 {
			t.Errorf("expected stock 0, got %d", got)
		}
	})

	t.Run("Given unknown good When Reserve called Then GoodNotFound", func(t *testing.T) {
		db := newTestDB(t)
		service := NewService(db)

		result, err := service.Reserve("不存在")
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if result != GoodNotFound {
			t.Errorf("expected GoodNotFound, got %v", result)
		}
	})
}

func TestReserveConcurrent(t *testing.T) {
	t.Run("Given N units When many concurrent reservations Then exactly N succeed and stock never negative", func(t *testing.T) {
		db := newTestDB(t)
		seedGood(t, db, "30天VIP", 5)
		service := NewService(db)

		const attempts = 20
		var wg sync.WaitGroup
		results := make(chan ReserveResult, attempts)

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := service.Reserve("30天VIP")
				if err != nil {
					t.Errorf("Reserve failed: %v", err)
					return
				}
				results <- result
			}()
		}
		wg.Wait()
		close(results)

		reserved := 0
		for result := range results {
			if result == Reserved {
				reserved++
			}
		}
		if reserved != 5 {
			t.Errorf("expected exactly 5 successful reservations, got %d", reserved)
		}
		if got := currentStock(t, db, "30天VIP"); got != 0 {
			t.Errorf("expected stock 0, got %d", got)
		}
	})
}

func TestRelease(t *testing.T) {
	t.Run("Given a reserved unit When Release called Then stock returns", func(t *testing.T) {
		db := newTestDB(t)
		seedGood(t, db, "30天VIP", 1)
		service := NewService(db)

		if _, err := service.Reserve("30天VIP"); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if err := service.Release("30天VIP"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if got := currentStock(t, db, "30天VIP"); got != 1 {
			t.Errorf("expected stock 1, got %d", got)
		}
	})

	t.Run("Given unknown good When Release called Then ErrGoodNotFound", func(t *testing.T) {
		db := newTestDB(t)
		service := NewService(db)

		if err := service.Release("不存在"); err != ErrGoodNotFound {
			t.Errorf("expected ErrGoodNotFound, got %v", err)
		}
	})
}
