// Package postgres implements the persistence layer on PostgreSQL via pgx.
package postgres

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// PharmacyStore persists pharmacy snapshots including their AVS endpoints,
// recipient certificates and the local usage bookkeeping.
type PharmacyStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPharmacyStore creates a pharmacy store.
func NewPharmacyStore(pool *pgxpool.Pool, logger *zap.Logger) *PharmacyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PharmacyStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("pharmacy-store"),
	}
}

// LoadCached returns the locally cached snapshot for a telematik id, or nil
// when the pharmacy has never been used.
func (s *PharmacyStore) LoadCached(ctx context.Context, telematikID string) (*pharmacy.Location, error) {
	ctx, span := s.tracer.Start(ctx, "pharmacy_load",
		trace.WithAttributes(attribute.String("telematik_id", telematikID)))
	defer span.End()

	query := `
		SELECT id, telematik_id, name, types, status,
		       street, house_number, zip, city,
		       phone, fax, mail, web,
		       avs_onpremise_url, avs_shipment_url, avs_delivery_url,
		       avs_certificates,
		       created_at, last_used_at, count_usage
		FROM pharmacies
		WHERE telematik_id = $1
	`

	var (
		p        pharmacy.Location
		types    []string
		addr     pharmacy.Address
		tel      pharmacy.Telecom
		eps      pharmacy.AVSEndpoints
		certsPEM []byte
		lastUsed *time.Time
	)
	err := s.pool.QueryRow(ctx, query, telematikID).Scan(
		&p.ID, &p.TelematikID, &p.Name, &types, &p.Status,
		&addr.Street, &addr.HouseNumber, &addr.Zip, &addr.City,
		&tel.Phone, &tel.Fax, &tel.Mail, &tel.Web,
		&eps.OnPremiseURL, &eps.ShipmentURL, &eps.DeliveryURL,
		&certsPEM,
		&p.Created, &lastUsed, &p.CountUsage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading pharmacy %s: %w", telematikID, err)
	}

	for _, t := range types {
		p.Types = append(p.Types, pharmacy.Type(t))
	}
	p.Address = &addr
	p.Telecom = &tel
	p.AVSEndpoints = &eps
	if lastUsed != nil {
		p.LastUsed = *lastUsed
	}

	certs, err := decodeCertificates(certsPEM)
	if err != nil {
		s.logger.Warn("discarding unparsable avs certificates",
			zap.String("telematik_id", telematikID),
			zap.Error(err))
	}
	p.AVSCertificates = certs

	return &p, nil
}

// Save upserts a pharmacy snapshot keyed by telematik id.
func (s *PharmacyStore) Save(ctx context.Context, p pharmacy.Location) error {
	ctx, span := s.tracer.Start(ctx, "pharmacy_save",
		trace.WithAttributes(attribute.String("telematik_id", p.TelematikID)))
	defer span.End()

	types := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		types = append(types, string(t))
	}

	var addr pharmacy.Address
	if p.Address != nil {
		addr = *p.Address
	}
	var tel pharmacy.Telecom
	if p.Telecom != nil {
		tel = *p.Telecom
	}
	var eps pharmacy.AVSEndpoints
	if p.AVSEndpoints != nil {
		eps = *p.AVSEndpoints
	}

	var lastUsed *time.Time
	if !p.LastUsed.IsZero() {
		lastUsed = &p.LastUsed
	}

	query := `
		INSERT INTO pharmacies (
			id, telematik_id, name, types, status,
			street, house_number, zip, city,
			phone, fax, mail, web,
			avs_onpremise_url, avs_shipment_url, avs_delivery_url,
			avs_certificates,
			created_at, last_used_at, count_usage
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11, $12, $13, $14, $15, $16, $17, NOW(), $18, $19)
		ON CONFLICT (telematik_id) DO UPDATE SET
			name = EXCLUDED.name,
			types = EXCLUDED.types,
			status = EXCLUDED.status,
			street = EXCLUDED.street,
			house_number = EXCLUDED.house_number,
			zip = EXCLUDED.zip,
			city = EXCLUDED.city,
			phone = EXCLUDED.phone,
			fax = EXCLUDED.fax,
			mail = EXCLUDED.mail,
			web = EXCLUDED.web,
			avs_onpremise_url = EXCLUDED.avs_onpremise_url,
			avs_shipment_url = EXCLUDED.avs_shipment_url,
			avs_delivery_url = EXCLUDED.avs_delivery_url,
			avs_certificates = EXCLUDED.avs_certificates,
			last_used_at = EXCLUDED.last_used_at,
			count_usage = EXCLUDED.count_usage
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TelematikID, p.Name, types, string(p.Status),
		addr.Street, addr.HouseNumber, addr.Zip, addr.City,
		tel.Phone, tel.Fax, tel.Mail, tel.Web,
		eps.OnPremiseURL, eps.ShipmentURL, eps.DeliveryURL,
		encodeCertificates(p.AVSCertificates),
		lastUsed, p.CountUsage,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("saving pharmacy %s: %w", p.TelematikID, err)
	}
	return nil
}

// ListRecentlyUsed returns pharmacies ordered by most recent use.
func (s *PharmacyStore) ListRecentlyUsed(ctx context.Context, limit int) ([]pharmacy.Location, error) {
	ctx, span := s.tracer.Start(ctx, "pharmacy_list_recent")
	defer span.End()

	query := `
		SELECT telematik_id
		FROM pharmacies
		WHERE last_used_at IS NOT NULL
		ORDER BY last_used_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing recently used pharmacies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pharmacy row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	locations := make([]pharmacy.Location, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadCached(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			locations = append(locations, *p)
		}
	}
	return locations, nil
}

// encodeCertificates serializes recipient certificates as concatenated PEM.
func encodeCertificates(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})...)
	}
	return out
}

func decodeCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(data) > 0 {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return certs, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
