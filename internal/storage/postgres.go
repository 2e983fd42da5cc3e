package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/pagebot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &PostgresStorage{db: db, logger: logger.Named("postgres")}

	if err := storage.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	storage.logger.Info("Database ready", zap.String("host", config.Host), zap.String("db", config.DBName))
	return storage, nil
}

func (s *PostgresStorage) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) FindPage(ctx context.Context, platform models.Platform, externalID string) (*models.Page, error) {
	page := &models.Page{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, external_id, access_token, user_id, name, active, created_at, updated_at
		FROM pages
		WHERE platform = $1 AND external_id = $2`,
		platform, externalID,
	).Scan(&page.ID, &page.Platform, &page.ExternalID, &page.AccessToken, &page.UserID,
		&page.Name, &page.Active, &page.CreatedAt, &page.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("find page", err)
	}
	return page, nil
}

func (s *PostgresStorage) UpsertPage(ctx context.Context, page *models.Page) error {
	if !page.Platform.Valid() {
		return fmt.Errorf("unsupported platform %q", page.Platform)
	}
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pages (id, platform, external_id, access_token, user_id, name, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, external_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    user_id = EXCLUDED.user_id,
		    name = EXCLUDED.name,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		page.ID, page.Platform, page.ExternalID, page.AccessToken, page.UserID, page.Name, page.Active,
	).Scan(&page.ID, &page.CreatedAt, &page.UpdatedAt)
	return wrap("upsert page", err)
}

func (s *PostgresStorage) DeactivatePage(ctx context.Context, platform models.Platform, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages SET active = FALSE, updated_at = NOW()
		WHERE platform = $1 AND external_id = $2`,
		platform, externalID)
	if err != nil {
		return wrap("deactivate page", err)
	}
	return requireRow(result, "deactivate page")
}

func (s *PostgresStorage) FindOrCreateConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, platform, page_id, sender_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (platform, page_id, sender_id) DO UPDATE SET status = conversations.status
		RETURNING id, platform, page_id, sender_id, status, created_at, updated_at, last_message_at`,
		uuid.New().String(), key.Platform, key.PageID, key.SenderID, models.ConversationStatusActive,
	).Scan(&conv.ID, &conv.Platform, &conv.PageID, &conv.SenderID, &conv.Status,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.LastMessageAt)
	if err != nil {
		return nil, wrap("find or create conversation", err)
	}
	return conv, nil
}

func (s *PostgresStorage) TouchConversation(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = NOW(), last_message_at = NOW()
		WHERE id = $1`, conversationID)
	if err != nil {
		return wrap("touch conversation", err)
	}
	return requireRow(result, "touch conversation")
}

func (s *PostgresStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, external_id, sender_id, recipient_id,
		                      text, attachment_type, attachment_url, is_from_page, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.ExternalID, msg.SenderID, msg.RecipientID,
		msg.Text, msg.AttachmentType, msg.AttachmentURL, msg.IsFromPage, msg.Timestamp,
	).Scan(&msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicate
	}
	return wrap("create message", err)
}

func (s *PostgresStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, external_id, sender_id, recipient_id,
		       text, attachment_type, attachment_url, is_from_page, timestamp, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp DESC, created_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, wrap("recent messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			m                     models.Message
			text, attType, attURL sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ExternalID, &m.SenderID, &m.RecipientID,
			&text, &attType, &attURL, &m.IsFromPage, &m.Timestamp, &m.CreatedAt); err != nil {
			return nil, wrap("scan message", err)
		}
		m.Text = nullString(text)
		m.AttachmentType = nullString(attType)
		m.AttachmentURL = nullString(attURL)
		messages = append(messages, &m)
	}
	return messages, wrap("recent messages", rows.Err())
}

func (s *PostgresStorage) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	return n, wrap("count messages", err)
}

func (s *PostgresStorage) SaveAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, user_id, name, personality, custom_instructions, model,
		                    temperature, max_tokens, active, sell_all_products)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    personality = EXCLUDED.personality,
		    custom_instructions = EXCLUDED.custom_instructions,
		    model = EXCLUDED.model,
		    temperature = EXCLUDED.temperature,
		    max_tokens = EXCLUDED.max_tokens,
		    active = EXCLUDED.active,
		    sell_all_products = EXCLUDED.sell_all_products,
		    updated_at = NOW()
		RETURNING created_at, updated_at`,
		agent.ID, agent.UserID, agent.Name, agent.Personality, agent.CustomInstructions, agent.Model,
		agent.Temperature, agent.MaxTokens, agent.Active, agent.SellAllProducts,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return wrap("save agent", err)
	}
	if agent.ProductIDs != nil {
		return s.LinkProducts(ctx, agent.ID, agent.ProductIDs)
	}
	return nil
}

func (s *PostgresStorage) AgentForPage(ctx context.Context, pageID string) (*models.Agent, error) {
	agent := &models.Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.user_id, a.name, a.personality, a.custom_instructions, a.model,
		       a.temperature, a.max_tokens, a.active, a.sell_all_products, a.created_at, a.updated_at,
		       COALESCE(ARRAY(
		           SELECT ap.product_id FROM agent_products ap
		           WHERE ap.agent_id = a.id ORDER BY ap.position
		       ), '{}')
		FROM agent_pages b
		JOIN agents a ON a.id = b.agent_id
		WHERE b.page_id = $1 AND a.active`, pageID,
	).Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Personality, &agent.CustomInstructions,
		&agent.Model, &agent.Temperature, &agent.MaxTokens, &agent.Active, &agent.SellAllProducts,
		&agent.CreatedAt, &agent.UpdatedAt, pq.Array(&agent.ProductIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("agent for page", err)
	}
	return agent, nil
}

func (s *PostgresStorage) BindAgent(ctx context.Context, agentID, pageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_pages (page_id, agent_id) VALUES ($1, $2)
		ON CONFLICT (page_id) DO UPDATE SET agent_id = EXCLUDED.agent_id`,
		pageID, agentID)
	return wrap("bind agent", err)
}

func (s *PostgresStorage) LinkProducts(ctx context.Context, agentID string, productIDs []string) error {
	return s.inTx(ctx, "link products", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_products WHERE agent_id = $1`, agentID); err != nil {
			return err
		}
		for i, id := range productIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_products (agent_id, product_id, position) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`, agentID, id, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	return s.inTx(ctx, "save product", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO products (id, user_id, name, sku, description, selling_price, quantity,
			                      has_variants, image_url, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    sku = EXCLUDED.sku,
			    description = EXCLUDED.description,
			    selling_price = EXCLUDED.selling_price,
			    quantity = EXCLUDED.quantity,
			    has_variants = EXCLUDED.has_variants,
			    image_url = EXCLUDED.image_url,
			    active = EXCLUDED.active,
			    updated_at = NOW()
			RETURNING created_at, updated_at`,
			product.ID, product.UserID, product.Name, product.SKU, product.Description,
			product.SellingPrice, product.Quantity, product.HasVariants, product.ImageURL, product.Active,
		).Scan(&product.CreatedAt, &product.UpdatedAt)
		if err != nil {
			return err
		}
		if len(product.Variants) == 0 {
			return nil
		}
		for i := range product.Variants {
			product.Variants[i].ProductID = product.ID
			if err := upsertVariant(ctx, tx, &product.Variants[i]); err != nil {
				return err
			}
		}
		product.HasVariants = true
		return recalculateQuantity(ctx, tx, product.ID, &product.Quantity)
	})
}

func (s *PostgresStorage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	products, err := s.queryProducts(ctx, false, `WHERE p.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, ErrNotFound
	}
	return products[0], nil
}

func (s *PostgresStorage) ActiveProducts(ctx context.Context, userID string) ([]*models.Product, error) {
	return s.queryProducts(ctx, true, `WHERE p.user_id = $1 AND p.active ORDER BY p.created_at, p.id`, userID)
}

func (s *PostgresStorage) ProductsByIDs(ctx context.Context, ids []string) ([]*models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryProducts(ctx, true,
		`WHERE p.id = ANY($1) AND p.active ORDER BY array_position($1, p.id)`, pq.Array(ids))
}

func (s *PostgresStorage) queryProducts(ctx context.Context, activeVariants bool, where string, args ...any) ([]*models.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.name, p.sku, p.description, p.selling_price, p.quantity,
		       p.has_variants, p.image_url, p.active, p.created_at, p.updated_at
		FROM products p `+where, args...)
	if err != nil {
		return nil, wrap("query products", err)
	}
	defer rows.Close()

	var (
		products []*models.Product
		ids      []string
		byID     = make(map[string]*models.Product)
	)
	for rows.Next() {
		p := &models.Product{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.SKU, &p.Description, &p.SellingPrice,
			&p.Quantity, &p.HasVariants, &p.ImageURL, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrap("scan product", err)
		}
		products = append(products, p)
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query products", err)
	}
	if len(ids) == 0 {
		return products, nil
	}

	vrows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, name, selling_price, quantity, active
		FROM product_variants
		WHERE product_id = ANY($1) AND (active OR NOT $2)
		ORDER BY name`, pq.Array(ids), activeVariants)
	if err != nil {
		return nil, wrap("query variants", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var v models.ProductVariant
		if err := vrows.Scan(&v.ID, &v.ProductID, &v.Name, &v.SellingPrice, &v.Quantity, &v.Active); err != nil {
			return nil, wrap("scan variant", err)
		}
		if p, ok := byID[v.ProductID]; ok {
			p.Variants = append(p.Variants, v)
		}
	}
	return products, wrap("query variants", vrows.Err())
}

func (s *PostgresStorage) SaveVariant(ctx context.Context, variant *models.ProductVariant) error {
	if variant.ID == "" {
		variant.ID = uuid.New().String()
	}
	return s.inTx(ctx, "save variant", func(tx *sql.Tx) error {
		if err := upsertVariant(ctx, tx, variant); err != nil {
			return err
		}
		return recalculateQuantity(ctx, tx, variant.ProductID, nil)
	})
}

func (s *PostgresStorage) DeactivateVariant(ctx context.Context, variantID string) error {
	return s.inTx(ctx, "deactivate variant", func(tx *sql.Tx) error {
		var productID string
		err := tx.QueryRowContext(ctx, `
			UPDATE product_variants SET active = FALSE WHERE id = $1 RETURNING product_id`,
			variantID).Scan(&productID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return recalculateQuantity(ctx, tx, productID, nil)
	})
}

func upsertVariant(ctx context.Context, tx *sql.Tx, v *models.ProductVariant) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, name, selling_price, quantity, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    selling_price = EXCLUDED.selling_price,
		    quantity = EXCLUDED.quantity,
		    active = EXCLUDED.active`,
		v.ID, v.ProductID, v.Name, v.SellingPrice, v.Quantity, v.Active)
	return err
}

// recalculateQuantity sets products.quantity to the sum of its active variants.
func recalculateQuantity(ctx context.Context, tx *sql.Tx, productID string, out *int) error {
	var qty int
	err := tx.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = COALESCE((
		        SELECT SUM(quantity) FROM product_variants
		        WHERE product_id = $1 AND active
		    ), 0),
		    has_variants = TRUE,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING quantity`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if out != nil {
		*out = qty
	}
	return nil
}

func (s *PostgresStorage) GetSettings(ctx context.Context, userID string) (*models.AISettings, error) {
	settings := &models.AISettings{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, business_context, custom_instructions, ai_model, auto_reply, updated_at
		FROM ai_settings WHERE user_id = $1`, userID,
	).Scan(&settings.UserID, &settings.BusinessContext, &settings.CustomInstructions,
		&settings.AIModel, &settings.AutoReply, &settings.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get settings", err)
	}
	return settings, nil
}

func (s *PostgresStorage) SaveSettings(ctx context.Context, settings *models.AISettings) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_settings (user_id, business_context, custom_instructions, ai_model, auto_reply)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET business_context = EXCLUDED.business_context,
		    custom_instructions = EXCLUDED.custom_instructions,
		    ai_model = EXCLUDED.ai_model,
		    auto_reply = EXCLUDED.auto_reply,
		    updated_at = NOW()
		RETURNING updated_at`,
		settings.UserID, settings.BusinessContext, settings.CustomInstructions,
		settings.AIModel, settings.AutoReply,
	).Scan(&settings.UpdatedAt)
	return wrap("save settings", err)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, fmt.Errorf("error starting transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(op, fmt.Errorf("error committing transaction: %w", err))
	}
	return nil
}

func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return wrap(op, fmt.Errorf("error getting rows affected: %w", err))
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
