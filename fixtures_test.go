package quarry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
}

type Customer struct {
	ID      int64    `json:"id" gorm:"primaryKey"`
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Age     int      `json:"age"`
	Active  bool     `json:"active"`
	Score   float64  `json:"score"`
	Address Address  `json:"address" gorm:"embedded;embeddedPrefix:address_"`
	Tags    []string `json:"tags,omitempty" gorm:"-"`
	Orders  []Order  `json:"orders,omitempty" gorm:"foreignKey:CustomerID"`
}

type Order struct {
	ID         int64     `json:"id" gorm:"primaryKey"`
	CustomerID int64     `json:"customerId"`
	Customer   *Customer `json:"customer,omitempty"`
	Product    string    `json:"product"`
	Quantity   int       `json:"quantity"`
	Total      float64   `json:"total"`
	Status     string    `json:"status"`
}

// CustomerTag is the element table behind Customer.Tags.
type CustomerTag struct {
	CustomerID int64
	Tag        string
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Customer{}, Order{}))
	return r
}

func testCustomers() []Customer {
	return []Customer{
		{
			ID: 1, Name: "Alice", Email: "alice@example.com", Age: 34, Active: true, Score: 88.5,
			Address: Address{Street: "1 Main St", City: "Berlin"},
			Tags:    []string{"vip", "beta"},
			Orders: []Order{
				{ID: 10, CustomerID: 1, Product: "Laptop", Quantity: 1, Total: 1200, Status: "paid"},
				{ID: 11, CustomerID: 1, Product: "Mouse", Quantity: 2, Total: 40, Status: "paid"},
			},
		},
		{
			ID: 2, Name: "bob", Email: "bob@example.com", Age: 19, Active: false, Score: 42,
			Address: Address{Street: "2 Side St", City: "Paris"},
			Tags:    []string{"beta"},
			Orders: []Order{
				{ID: 12, CustomerID: 2, Product: "Phone", Quantity: 1, Total: 700, Status: "open"},
			},
		},
		{
			ID: 3, Name: "Carol", Email: "carol@example.org", Age: 51, Active: true, Score: 73.25,
			Address: Address{Street: "3 High St", City: "Berlin"},
		},
		{
			ID: 4, Name: "Dave", Email: "", Age: 27, Active: true, Score: 60,
			Address: Address{City: "Tokyo"},
			Orders: []Order{
				{ID: 13, CustomerID: 4, Product: "Tablet", Quantity: 3, Total: 900, Status: "cancelled"},
				{ID: 14, CustomerID: 4, Product: "Pen", Quantity: 10, Total: 15, Status: "paid"},
			},
		},
	}
}

// newGormTestDB opens an in-memory SQLite database with the fixtures loaded.
// One connection keeps every query on the same in-memory database.
func newGormTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Customer{}, &Order{}, &CustomerTag{}))
	customers := testCustomers()
	require.NoError(t, db.Create(&customers).Error)
	for _, c := range customers {
		for _, tag := range c.Tags {
			require.NoError(t, db.Create(&CustomerTag{CustomerID: c.ID, Tag: tag}).Error)
		}
	}
	return db
}

func mustCompile(t *testing.T, c *Compiler, s Search) *Plan {
	t.Helper()
	plan, err := c.Compile(s)
	require.NoError(t, err)
	return plan
}
