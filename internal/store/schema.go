package store

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0,
		is_disabled INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		is_private INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		joined_at_ms INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id)`,
	`CREATE TABLE IF NOT EXISTS dm_pairs (
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		PRIMARY KEY (user_a, user_b)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		edited_at_ms INTEGER,
		deleted_at_ms INTEGER,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_feed ON messages(conversation_id, created_at_ms, id)`,
	`CREATE TABLE IF NOT EXISTS message_mentions (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		emoji TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (message_id, emoji, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		provider TEXT NOT NULL,
		file_id TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER,
		share_url TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id, position)`,
	`CREATE TABLE IF NOT EXISTS read_states (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		last_read_at_ms INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_notification_preferences (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		in_app_toasts_enabled INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_notification_preferences (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		is_muted INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
}

// Identifier columns are ascii_bin so ULIDs order bytewise, and emoji use
// utf8mb4_bin because the unicode collations fold many emoji together.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		display_name VARCHAR(255) NOT NULL,
		is_admin TINYINT(1) NOT NULL DEFAULT 0,
		is_disabled TINYINT(1) NOT NULL DEFAULT 0,
		created_at_ms BIGINT NOT NULL,
		UNIQUE KEY uq_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		topic VARCHAR(1024) NOT NULL DEFAULT '',
		is_private TINYINT(1) NOT NULL DEFAULT 0,
		created_by VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		created_at_ms BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		joined_at_ms BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		KEY idx_members_user (user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS dm_pairs (
		user_a VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		user_b VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		conversation_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		PRIMARY KEY (user_a, user_b),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
		id CHAR(26) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		conversation_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		sender_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		body TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		edited_at_ms BIGINT NULL,
		deleted_at_ms BIGINT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		KEY idx_messages_feed (conversation_id, created_at_ms, id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS message_mentions (
		message_id CHAR(26) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		PRIMARY KEY (message_id, user_id),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id CHAR(26) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		emoji VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		created_at_ms BIGINT NOT NULL,
		PRIMARY KEY (message_id, emoji, user_id),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		message_id CHAR(26) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		position INT NOT NULL,
		provider VARCHAR(32) NOT NULL,
		file_id VARCHAR(512) NOT NULL DEFAULT '',
		file_name VARCHAR(1024) NOT NULL,
		content_type VARCHAR(255) NOT NULL DEFAULT '',
		size_bytes BIGINT NULL,
		share_url VARCHAR(2048) NOT NULL,
		created_at_ms BIGINT NOT NULL,
		KEY idx_attachments_message (message_id, position),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS read_states (
		conversation_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		last_read_at_ms BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_notification_preferences (
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		in_app_toasts_enabled TINYINT(1) NOT NULL,
		updated_at_ms BIGINT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversation_notification_preferences (
		conversation_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		user_id VARCHAR(64) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
		is_muted TINYINT(1) NOT NULL,
		updated_at_ms BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
