package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS airdrop_drafts (
	owner BYTEA PRIMARY KEY,
	token TEXT NOT NULL,
	recipients TEXT NOT NULL,
	amounts TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT airdrop_drafts_owner_len CHECK (octet_length(owner) = 20)
);
`
