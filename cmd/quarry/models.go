package main

import (
	"time"

	"github.com/bi0dread/quarry"
)

// Address is stored inline with its owner.
type Address struct {
	Street  string `json:"street" bson:"street"`
	City    string `json:"city" bson:"city"`
	Country string `json:"country" bson:"country"`
}

// Customer is the sample root entity. Tags live in customer_tags on SQL
// backends and as an array in documents.
type Customer struct {
	ID        string    `json:"id" bson:"_id" gorm:"primaryKey"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	Age       int       `json:"age" bson:"age"`
	Status    string    `json:"status" bson:"status"`
	Score     float64   `json:"score" bson:"score"`
	Address   Address   `json:"address" bson:"address" gorm:"embedded;embeddedPrefix:address_"`
	Tags      []string  `json:"tags" bson:"tags" gorm:"-"`
	Orders    []Order   `json:"orders,omitempty" bson:"orders,omitempty" gorm:"foreignKey:CustomerID"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

type Order struct {
	ID         int64     `json:"id" bson:"_id" gorm:"primaryKey"`
	CustomerID string    `json:"customerId" bson:"customerId"`
	Product    string    `json:"product" bson:"product"`
	Quantity   int       `json:"quantity" bson:"quantity"`
	Total      float64   `json:"total" bson:"total"`
	Status     string    `json:"status" bson:"status"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
}

// CustomerTag backs Customer.Tags in relational storage.
type CustomerTag struct {
	CustomerID string `gorm:"index"`
	Tag        string
}

func (CustomerTag) TableName() string { return "customer_tags" }

func newRegistry() (*quarry.Registry, error) {
	r := quarry.NewRegistry()
	if err := r.Register(Customer{}, Order{}); err != nil {
		return nil, err
	}
	return r, nil
}
