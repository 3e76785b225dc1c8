package tool

import (
	"fmt"
	"math/rand"
)

var adjectives = []string{
	"Amber",
	"Bright",
	"Calm",
	"Cozy",
	"Crimson",
	"Gentle",
	"Golden",
	"Quiet",
	"Rustic",
	"Silver",
	"Sunny",
	"Velvet",
}

var places = []string{
	"Attic",
	"Balcony",
	"Cellar",
	"Door",
	"Garage",
	"Garden",
	"Gate",
	"Hallway",
	"Kitchen",
	"Lobby",
	"Patio",
	"Porch",
}

// NameGenerator returns a human friendly display name such as "Sunny Porch".
func NameGenerator() string {
	adjective := adjectives[rand.Intn(len(adjectives))]
	place := places[rand.Intn(len(places))]
	return fmt.Sprintf("%s %s", adjective, place)
}
