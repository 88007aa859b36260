package postgres

const (
	qInsertRoom = `
		INSERT INTO rooms (id, interview_session_id, status, recording_enabled, screen_share_enabled, chat_enabled, ice_servers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`

	qSelectRoom = `
		SELECT id, interview_session_id, status, recording_enabled, screen_share_enabled, chat_enabled, ice_servers, created_at, closed_at
		FROM rooms WHERE id = $1`

	qCloseRoom = `
		UPDATE rooms SET status = 'closed', closed_at = COALESCE(closed_at, $2)
		WHERE id = $1`

	qDepartStaleParticipants = `
		UPDATE room_participants p SET live = FALSE, left_at = COALESCE(p.left_at, $1)
		FROM rooms r
		WHERE p.room_id = r.id AND p.live AND r.status = 'active'`

	qCloseStaleRooms = `
		UPDATE rooms SET status = 'closed', closed_at = COALESCE(closed_at, $1)
		WHERE status = 'active'`

	qListRooms = `
		SELECT id, interview_session_id, status, recording_enabled, screen_share_enabled, chat_enabled, ice_servers, created_at, closed_at
		FROM rooms
		WHERE ($1::timestamptz IS NULL OR created_at < $1
		       OR (created_at = $1 AND id < $2))
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	qUpsertParticipant = `
		INSERT INTO room_participants (id, room_id, user_id, display_name, role, conn_id, joined_at, left_at, live)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET left_at = EXCLUDED.left_at, live = EXCLUDED.live`

	qListParticipants = `
		SELECT id, room_id, user_id, display_name, role, conn_id, joined_at, left_at, live
		FROM room_participants
		WHERE room_id = $1
		ORDER BY joined_at ASC, id ASC`

	qInsertMessage = `
		INSERT INTO room_messages (id, room_id, user_id, display_name, text, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	qChatHistory = `
		SELECT id, room_id, user_id, display_name, text, seq, created_at
		FROM room_messages
		WHERE room_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`
)
