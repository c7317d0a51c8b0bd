package realtime

// Пространства имён комнат. Ядро их не интерпретирует, только строит ключи.
const (
	PrefixBusTracking   = "bus_tracking:"
	PrefixRouteTracking = "route_tracking:"
	PrefixConversation  = "conversation:"
	PrefixProximity     = "proximity_alerts:"

	RoomAllBuses = "all_buses"
)

func BusRoom(busID string) string           { return PrefixBusTracking + busID }
func RouteRoom(routeID string) string       { return PrefixRouteTracking + routeID }
func ConversationRoom(convID string) string { return PrefixConversation + convID }
func ProximityRoom(targetID string) string  { return PrefixProximity + targetID }
