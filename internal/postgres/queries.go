package postgres

const (
	querySchema = `
		CREATE TABLE IF NOT EXISTS routes (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			stop_ids TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS stops (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL DEFAULT '',
			latitude  DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL
		);
		CREATE TABLE IF NOT EXISTS buses (
			id             TEXT PRIMARY KEY,
			license_plate  TEXT NOT NULL DEFAULT '',
			assigned_route TEXT REFERENCES routes (id)
		);
		CREATE TABLE IF NOT EXISTS bus_locations (
			bus_id     TEXT PRIMARY KEY,
			route_id   TEXT,
			latitude   DOUBLE PRECISION NOT NULL,
			longitude  DOUBLE PRECISION NOT NULL,
			heading    DOUBLE PRECISION,
			speed      DOUBLE PRECISION,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chat_messages (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS chat_messages_conv_idx ON chat_messages (conversation_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS chat_message_reads (
			message_id UUID NOT NULL REFERENCES chat_messages (id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			read_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, user_id)
		);
	`

	queryUpsertLocation = `
		INSERT INTO bus_locations (bus_id, route_id, latitude, longitude, heading, speed, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (bus_id) DO UPDATE
		SET route_id = EXCLUDED.route_id,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    heading = EXCLUDED.heading,
		    speed = EXCLUDED.speed,
		    updated_at = EXCLUDED.updated_at
		WHERE bus_locations.updated_at <= EXCLUDED.updated_at;
	`
	queryListLocations = `
		SELECT bus_id, COALESCE(route_id, ''), latitude, longitude, heading, speed, updated_at
		FROM bus_locations
		WHERE updated_at > $1
		ORDER BY bus_id;
	`

	queryGetBus = `
		SELECT id, license_plate, COALESCE(assigned_route, '')
		FROM buses
		WHERE id = $1;
	`
	queryGetRoute = `
		SELECT id, name, stop_ids
		FROM routes
		WHERE id = $1;
	`
	queryGetStop = `
		SELECT id, name, latitude, longitude
		FROM stops
		WHERE id = $1;
	`

	querySaveMessage = `
		INSERT INTO chat_messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id::text, conversation_id, sender_id, content, created_at;
	`
	queryMarkRead = `
		INSERT INTO chat_message_reads (message_id, user_id)
		SELECT id, $3
		FROM chat_messages
		WHERE id = $2::uuid AND conversation_id = $1
		ON CONFLICT (message_id, user_id) DO NOTHING;
	`
)
