package quote

import (
	"math"
	"time"
)

const dateLayout = "2006-01-02"

// Quote is the cost breakdown for a proposed rental period. Amounts are
// whole CCD.
type Quote struct {
	Days          int   `json:"days"`
	RentalCost    int64 `json:"rentalCost"`
	DepositAmount int64 `json:"depositAmount"`
	TotalCost     int64 `json:"totalCost"`
}

// Calculate derives the rental quote for a date range. An empty or
// unparseable date, or a range that rounds to zero days, yields a zero-day
// quote; callers treat that as an incomplete selection rather than an error.
func Calculate(pricePerDay, deposit int64, startDate, endDate string) Quote {
	days := rentalDays(startDate, endDate)
	rentalCost := int64(days) * pricePerDay
	return Quote{
		Days:          days,
		RentalCost:    rentalCost,
		DepositAmount: deposit,
		TotalCost:     rentalCost + deposit,
	}
}

func rentalDays(startDate, endDate string) int {
	if startDate == "" || endDate == "" {
		return 0
	}
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return 0
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return 0
	}
	diff := end.Sub(start).Hours() / 24
	days := int(math.Ceil(math.Abs(diff)))
	if days <= 0 {
		return 0
	}
	return days
}
