package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u *domain.User) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO users (css_id,full_name,station,created_at)
VALUES (?,?,?,?)`, u.CSSID, emptyNull(u.FullName), emptyNull(u.Station), fmtTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, role := range u.Roles {
		if _, err := r.ex(tx).ExecContext(ctx, `INSERT INTO user_roles (user_id,role) VALUES (?,?)`, u.ID, role); err != nil {
			return err
		}
	}
	for _, orgID := range u.OrgIDs {
		if err := r.AddMember(ctx, tx, orgID, u.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return r.userBy(ctx, `id=?`, id)
}

func (r Repo) GetUserByCSSID(ctx context.Context, cssID string) (domain.User, error) {
	return r.userBy(ctx, `css_id=?`, cssID)
}

func (r Repo) userBy(ctx context.Context, where string, arg any) (domain.User, error) {
	var (
		u                 domain.User
		fullName, station sql.NullString
		createdAt         string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,css_id,full_name,station,created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.CSSID, &fullName, &station, &createdAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.FullName = fullName.String
	u.Station = station.String
	u.CreatedAt = parseTime(createdAt)

	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, u.ID)
	if err != nil {
		return u, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return u, err
		}
		u.Roles = append(u.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return u, err
	}

	orgRows, err := r.DB.QueryContext(ctx, `SELECT organization_id FROM organization_memberships WHERE user_id=? ORDER BY organization_id`, u.ID)
	if err != nil {
		return u, err
	}
	defer orgRows.Close()
	for orgRows.Next() {
		var orgID int64
		if err := orgRows.Scan(&orgID); err != nil {
			return u, err
		}
		u.OrgIDs = append(u.OrgIDs, orgID)
	}
	return u, orgRows.Err()
}

func (r Repo) InsertOrganization(ctx context.Context, tx *sql.Tx, org *domain.Organization) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO organizations (name,url,created_at) VALUES (?,?,?)`,
		org.Name, emptyNull(org.URL), fmtTime(org.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	org.ID, err = res.LastInsertId()
	return err
}

func (r Repo) AddMember(ctx context.Context, tx *sql.Tx, orgID, userID int64) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organization_memberships (organization_id,user_id)
VALUES (?,?)`, orgID, userID)
	return err
}

// --- veterans ---

func (r Repo) InsertVeteran(ctx context.Context, tx *sql.Tx, v *domain.Veteran) error {
	res, err := r.ex(tx).ExecContext(ctx, `INSERT INTO veterans
(file_number,participant_id,first_name,last_name,created_at) VALUES (?,?,?,?,?)`,
		v.FileNumber, v.ParticipantID, emptyNull(v.FirstName), emptyNull(v.LastName), fmtTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert veteran: %w", err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

func (r Repo) GetVeteranByFileNumber(ctx context.Context, fileNumber string) (domain.Veteran, error) {
	var (
		v           domain.Veteran
		first, last sql.NullString
		createdAt   string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,file_number,participant_id,first_name,last_name,created_at
FROM veterans WHERE file_number=?`, fileNumber).
		Scan(&v.ID, &v.FileNumber, &v.ParticipantID, &first, &last, &createdAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.FirstName = first.String
	v.LastName = last.String
	v.CreatedAt = parseTime(createdAt)
	return v, nil
}

// --- cached appeals ---

func (r Repo) UpsertCachedAppeal(ctx context.Context, tx *sql.Tx, ca domain.CachedAppeal, now time.Time) error {
	_, err := r.ex(tx).ExecContext(ctx, `INSERT INTO cached_appeals
(appeal_id,docket_type,docket_number,closest_regional_office_city,veteran_name,issue_count,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(appeal_id) DO UPDATE SET
docket_type=excluded.docket_type, docket_number=excluded.docket_number,
closest_regional_office_city=excluded.closest_regional_office_city,
veteran_name=excluded.veteran_name, issue_count=excluded.issue_count, updated_at=excluded.updated_at`,
		ca.AppealID, emptyNull(ca.DocketType), emptyNull(ca.DocketNumber), emptyNull(ca.RegionalOfficeCity),
		emptyNull(ca.VeteranName), ca.IssueCount, fmtTime(now))
	return err
}

func (r Repo) GetCachedAppeal(ctx context.Context, appealID int64) (domain.CachedAppeal, error) {
	var ca domain.CachedAppeal
	var docketType, docketNum, ro, name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT appeal_id,docket_type,docket_number,closest_regional_office_city,
veteran_name,issue_count FROM cached_appeals WHERE appeal_id=?`, appealID).
		Scan(&ca.AppealID, &docketType, &docketNum, &ro, &name, &ca.IssueCount)
	if err == sql.ErrNoRows {
		return ca, ErrNotFound
	}
	if err != nil {
		return ca, err
	}
	ca.DocketType = docketType.String
	ca.DocketNumber = docketNum.String
	ca.RegionalOfficeCity = ro.String
	ca.VeteranName = name.String
	return ca, nil
}
