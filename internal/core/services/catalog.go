package services

import "fleetsync.live/internal/core/domain"

// DefaultCatalog is the stop catalog seeded into an empty store: the public
// health units served by the Itajaí delivery fleet.
func DefaultCatalog() []domain.Stop {
	return []domain.Stop{
		{ID: "ubs-brilhante", Name: "UBS Brilhante", Address: "R. José Lana, s/n - Brilhante", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9750, Lng: -48.7600}},
		{ID: "ubs-sao-pedro", Name: "UBS São Pedro", Address: "Rod. Antônio Heil - São Pedro", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9650, Lng: -48.7500}},
		{ID: "ubs-itaipava", Name: "UBS Itaipava", Address: "Av. Itaipava, 2316 - Itaipava", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9530, Lng: -48.7420}},
		{ID: "ubs-limoeiro", Name: "UBS Limoeiro", Address: "R. Edmundo Leopoldo Merizio - Limoeiro", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9400, Lng: -48.7300}},
		{ID: "ubs-parque-agricultor", Name: "UBS Parque do Agricultor", Address: "R. Mansueto Felizardo Vieira - Itaipava", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9600, Lng: -48.7400}},
		{ID: "ubs-canhanduba", Name: "UBS Canhanduba", Address: "R. Geral da Canhanduba - Canhanduba", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9450, Lng: -48.7050}},
		{ID: "ubs-cordeiros", Name: "UBS Cordeiros", Address: "R. Silva, 1000 - Cordeiros", Category: "ubs", Coords: domain.Coordinates{Lat: -26.8950, Lng: -48.6850}},
		{ID: "ubs-sao-vicente", Name: "UBS São Vicente", Address: "R. Pedro Rangel - São Vicente", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9150, Lng: -48.6900}},
		{ID: "ubs-fazenda", Name: "UBS Fazenda", Address: "R. Pedro Antônio Fayal - Fazenda", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9200, Lng: -48.6450}},
		{ID: "ubs-centro", Name: "UBS Centro", Address: "R. Hercílio Luz - Centro", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9080, Lng: -48.6620}},
		{ID: "hospital-marieta", Name: "Hospital Marieta Konder Bornhausen", Address: "R. Lauro Müller, 1248 - Centro", Category: "hospital", Coords: domain.Coordinates{Lat: -26.9110, Lng: -48.6680}},
		{ID: "ubs-cabecudas", Name: "UBS Cabeçudas", Address: "R. Fermino Vieira Cordeiro - Cabeçudas", Category: "ubs", Coords: domain.Coordinates{Lat: -26.9250, Lng: -48.6350}},
	}
}
