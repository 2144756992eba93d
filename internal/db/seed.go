package db

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var seedCities = []string{"London", "Manchester", "Bristol", "Leeds"}

var seedDiningStyles = []string{"casual", "fine dining", "street food", "brunch"}

var seedDietary = []string{"", "vegetarian", "vegan", "halal", "gluten-free"}

// SeedRestaurants is the fixture set the seed binary spreads visits across.
var SeedRestaurants = []string{
	"Joe's Diner",
	"Cafe Verde",
	"The Brass Fork",
	"Mama Lin's Noodle House",
	"Harbour & Vine",
	"Taqueria del Sol",
}

// SeedUsers resets the user-facing tables and populates 20 demo users with
// hashed passwords and dining profiles. Derived tables are cleared too so a
// subsequent visit replay starts from a clean slate.
//
// Compatible with both MySQL and SQLite.
func SeedUsers(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	// --- Fresh start ---
	for _, table := range []string{"cross_events", "cross_logs", "crossed_paths", "visits", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	// Reset auto-increment sequences
	switch db.Dialector.Name() {
	case "mysql":
		db.Exec("ALTER TABLE users AUTO_INCREMENT = 1")
		db.Exec("ALTER TABLE visits AUTO_INCREMENT = 1")
		db.Exec("ALTER TABLE crossed_paths AUTO_INCREMENT = 1")
	case "sqlite":
		db.Exec("DELETE FROM sqlite_sequence WHERE name IN ('users', 'visits', 'crossed_paths')")
	}

	log.Println("Cleared existing data")

	for i := 1; i <= 20; i++ {
		username := fmt.Sprintf("user%d", i)
		email := fmt.Sprintf("user%d@example.com", i)

		hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		user := User{
			Username:           username,
			Email:              email,
			PasswordHash:       string(hash),
			DisplayName:        fmt.Sprintf("Demo User %d", i),
			PhotoURL:           fmt.Sprintf("https://cdn.example.com/avatars/%d.jpg", i),
			City:               seedCities[r.Intn(len(seedCities))],
			DiningStyle:        seedDiningStyles[r.Intn(len(seedDiningStyles))],
			DietaryPreferences: seedDietary[r.Intn(len(seedDietary))],
			Active:             true,
		}

		if err := db.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}
	}
	log.Println("Seeded 20 users.")

	return nil
}
