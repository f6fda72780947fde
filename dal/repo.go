package dal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"github.com/mattn/go-sqlite3"
	"sync"
	"time"
	"waxwing/shared"
)

const schemaVer = 1

// Largest per-bucket counter the allocator can hand out: ids are
// bucket<<16 | counter.
const maxBucketCounter = 0xFFFF

//go:embed scripts/*
var scripts embed.FS

type IRepo interface {
	InitUpdateDb()
	AllocateId(entity string, at time.Time) (int64, error)
	AddActorIfNotExist(actor *Actor, privKey string) (isNew bool, err error)
	GetActorByUrl(url string) (*Actor, error)
	GetActorByHandle(handle string) (*Actor, error)
	BackfillActorLocalId(url string, localId int64) error
	UpdateActorProfile(url, summary, alsoKnownAs string) error
	GetPrivKey(handle string) (string, error)
	AddObjectIfNotExist(obj *Object) (isNew bool, err error)
	GetObjectByUrl(url string) (*Object, error)
	GetObjectCountByAuthor(authorUrl string) (uint, error)
	GetObjectsByAuthorPage(authorUrl string, maxId int64, limit int) ([]*Object, error)
	AddEdgeIfNew(kind, subjectUrl, objectUrl string, at time.Time) (isNew bool, err error)
	RemoveEdge(kind, subjectUrl, objectUrl string) error
	GetEdgeCount(kind, objectUrl string) (uint, error)
	GetEdgePage(kind, objectUrl string, maxId int64, limit int) ([]*Edge, error)
	AddNotificationIfNew(notif *Notification) (isNew bool, err error)
	GetNotificationsPage(recipientUrl string, maxId int64, limit int) ([]*Notification, error)
	AddPushQueueItem(pqi *PushQueueItem) error
	GetPushQueueItems(aboveId, maxCount int) ([]*PushQueueItem, int, error)
	DeletePushQueueItem(id int) error
	UpsertPeer(host string, seen time.Time) error
	GetPeerCount() (uint, error)
	MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error)
}

type Repo struct {
	cfg    *shared.Config
	logger shared.ILogger
	db     *sql.DB
	muDb   sync.RWMutex
}

func NewRepo(cfg *shared.Config, logger shared.ILogger) IRepo {

	var err error
	var db *sql.DB

	// _synchronous=1 is "normal"
	cstr := "file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	db, err = sql.Open("sqlite3", fmt.Sprintf(cstr, cfg.DbFile))
	if err != nil {
		logger.Errorf("Failed to open/create DB file: %s: %v", cfg.DbFile, err)
		panic(err)
	}

	repo := Repo{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}

	return &repo
}

func (repo *Repo) InitUpdateDb() {

	dbVer := 0
	sysParamsExists := false
	var err error
	var rows *sql.Rows

	rows, err = repo.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='sys_params'")
	if err != nil {
		repo.logger.Errorf("Failed to check if 'sys_params' table exists: %v", err)
		panic(err)
	}
	for rows.Next() {
		sysParamsExists = true
	}
	_ = rows.Close()
	if !sysParamsExists {
		repo.logger.Printf("Database appears to be empty; current schema version is %d", schemaVer)
	} else {
		row := repo.db.QueryRow("SELECT val FROM sys_params WHERE name='schema_ver'")
		if err = row.Scan(&dbVer); err != nil {
			repo.logger.Errorf("Failed to query schema version: %v", err)
			panic(err)
		}
		repo.logger.Printf("Database is at version %d; current schema version is %d", dbVer, schemaVer)
	}
	for i := dbVer; i < schemaVer; i += 1 {
		nextVer := i + 1
		fn := fmt.Sprintf("scripts/create-%02d.sql", nextVer)
		repo.logger.Printf("Running %s", fn)
		var sqlBytes []byte
		if sqlBytes, err = scripts.ReadFile(fn); err != nil {
			repo.logger.Errorf("Failed to read init script %s: %v", fn, err)
			panic(err)
		}
		sqlStr := string(sqlBytes)
		if _, err = repo.db.Exec(sqlStr); err != nil {
			repo.logger.Errorf("Failed to execute init script %s: %v", fn, err)
			panic(err)
		}
		_, err = repo.db.Exec("UPDATE sys_params SET val=? WHERE name='schema_ver'", nextVer)
		if err != nil {
			repo.logger.Errorf("Failed to update schema_ver to %d: %v", nextVer, err)
			panic(err)
		}
	}
}

func isDuplicateKey(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		if sqliteErr.Code == 19 && sqliteErr.ExtendedCode == 2067 {
			return true
		}
	}
	return false
}

// AllocateId hands out an id that sorts by creation time: the top bits
// are the millisecond bucket, the low 16 bits a per-(entity, bucket)
// counter persisted in id_marks. Concurrent callers in the same bucket
// each get a distinct counter value.
func (repo *Repo) AllocateId(entity string, at time.Time) (int64, error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	bucket := at.UnixMilli()
	_, err := repo.db.Exec(`INSERT INTO id_marks (entity, bucket, counter) VALUES (?, ?, 0)
		ON CONFLICT (entity, bucket) DO UPDATE SET counter=counter+1`, entity, bucket)
	if err != nil {
		return 0, err
	}
	row := repo.db.QueryRow(`SELECT counter FROM id_marks WHERE entity=? AND bucket=?`, entity, bucket)
	var counter int64
	if err = row.Scan(&counter); err != nil {
		return 0, err
	}
	if counter > maxBucketCounter {
		return 0, fmt.Errorf("id bucket exhausted for entity %s at %d", entity, bucket)
	}
	return bucket<<16 | counter, nil
}

func (repo *Repo) AddActorIfNotExist(actor *Actor, privKey string) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO actors
    	(local_id, created_at, url, handle, host, actor_type, name, summary, profile_image_url, header_image_url,
    	 inbox, outbox, following, followers, shared_inbox, pubkey, privkey, also_known_as, is_admin, is_local)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableId(actor.LocalId), actor.CreatedAt, actor.Url, actor.Handle, actor.Host, actor.ActorType,
		actor.Name, actor.Summary, actor.ProfileImageUrl, actor.HeaderImageUrl,
		actor.Inbox, actor.Outbox, actor.Following, actor.Followers, actor.SharedInbox,
		actor.PubKey, privKey, actor.AlsoKnownAs, actor.IsAdmin, actor.IsLocal)
	if err == nil {
		return
	}
	// Duplicate key: actor with this canonical URL already exists.
	// Callers converge by re-reading the persisted row.
	if isDuplicateKey(err) {
		isNew = false
		err = nil
	}
	return
}

func nullableId(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

const actorColumns = `local_id, created_at, url, handle, host, actor_type, name, summary, profile_image_url,
	header_image_url, inbox, outbox, following, followers, shared_inbox, pubkey, also_known_as, is_admin, is_local`

func scanActor(row interface{ Scan(...any) error }) (*Actor, error) {
	var res Actor
	var localId sql.NullInt64
	err := row.Scan(&localId, &res.CreatedAt, &res.Url, &res.Handle, &res.Host, &res.ActorType,
		&res.Name, &res.Summary, &res.ProfileImageUrl, &res.HeaderImageUrl,
		&res.Inbox, &res.Outbox, &res.Following, &res.Followers, &res.SharedInbox,
		&res.PubKey, &res.AlsoKnownAs, &res.IsAdmin, &res.IsLocal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if localId.Valid {
		res.LocalId = localId.Int64
	}
	return &res, nil
}

func (repo *Repo) GetActorByUrl(url string) (*Actor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+actorColumns+` FROM actors WHERE url=?`, url)
	return scanActor(row)
}

func (repo *Repo) GetActorByHandle(handle string) (*Actor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+actorColumns+` FROM actors WHERE handle=? AND is_local=1`, handle)
	return scanActor(row)
}

// BackfillActorLocalId repairs rows that were cached before a sequential
// id was assigned. The IS NULL guard makes racing repairs converge on
// whichever one lands first.
func (repo *Repo) BackfillActorLocalId(url string, localId int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE actors SET local_id=? WHERE url=? AND local_id IS NULL`, localId, url)
	return err
}

func (repo *Repo) UpdateActorProfile(url, summary, alsoKnownAs string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE actors SET summary=?, also_known_as=? WHERE url=?`,
		summary, alsoKnownAs, url)
	return err
}

func (repo *Repo) GetPrivKey(handle string) (string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT privkey FROM actors WHERE handle=? AND is_local=1`, handle)
	var err error
	var res string
	err = row.Scan(&res)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return res, nil
}

func (repo *Repo) AddObjectIfNotExist(obj *Object) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO objects
    	(local_id, created_at, url, url_hash, object_type, author_url, relayed_by, published_at, summary, content, in_reply_to)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableId(obj.LocalId), obj.CreatedAt, obj.Url, obj.UrlHash, obj.ObjectType, obj.AuthorUrl,
		obj.RelayedBy, obj.PublishedAt, obj.Summary, obj.Content, obj.InReplyTo)
	if err == nil {
		return
	}
	// Duplicate key: object with this canonical URL already cached
	if isDuplicateKey(err) {
		isNew = false
		err = nil
	}
	return
}

const objectColumns = `id, local_id, created_at, url, url_hash, object_type, author_url, relayed_by,
	published_at, summary, content, in_reply_to`

func scanObject(row interface{ Scan(...any) error }) (*Object, error) {
	var res Object
	var localId sql.NullInt64
	err := row.Scan(&res.Id, &localId, &res.CreatedAt, &res.Url, &res.UrlHash, &res.ObjectType,
		&res.AuthorUrl, &res.RelayedBy, &res.PublishedAt, &res.Summary, &res.Content, &res.InReplyTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if localId.Valid {
		res.LocalId = localId.Int64
	}
	return &res, nil
}

func (repo *Repo) GetObjectByUrl(url string) (*Object, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT `+objectColumns+` FROM objects WHERE url=?`, url)
	return scanObject(row)
}

func (repo *Repo) GetObjectCountByAuthor(authorUrl string) (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM objects WHERE author_url=?`, authorUrl)
	var err error
	var count int
	if err = row.Scan(&count); err != nil {
		return 0, err
	}
	return uint(count), nil
}

func (repo *Repo) GetObjectsByAuthorPage(authorUrl string, maxId int64, limit int) ([]*Object, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	query := `SELECT ` + objectColumns + ` FROM objects WHERE author_url=?`
	args := []any{authorUrl}
	if maxId > 0 {
		query += ` AND id<?`
		args = append(args, maxId)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := repo.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Object, 0, limit)
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, obj)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddEdgeIfNew(kind, subjectUrl, objectUrl string, at time.Time) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	_, err = repo.db.Exec(`INSERT INTO edges (kind, subject_url, object_url, created_at)
		VALUES(?, ?, ?, ?)`, kind, subjectUrl, objectUrl, at)
	if err == nil {
		return
	}
	// Duplicate key: this edge already exists; redelivery is a no-op
	if isDuplicateKey(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) RemoveEdge(kind, subjectUrl, objectUrl string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM edges WHERE kind=? AND subject_url=? AND object_url=?`,
		kind, subjectUrl, objectUrl)
	return err
}

func (repo *Repo) GetEdgeCount(kind, objectUrl string) (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM edges WHERE kind=? AND object_url=?`, kind, objectUrl)
	var err error
	var count int
	if err = row.Scan(&count); err != nil {
		return 0, err
	}
	return uint(count), nil
}

// GetEdgePage returns edges targeting objectUrl in reverse insertion
// order, strictly below maxId when one is given. Row ids only grow, so a
// cursor taken from one page is stable against concurrent inserts.
func (repo *Repo) GetEdgePage(kind, objectUrl string, maxId int64, limit int) ([]*Edge, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	query := `SELECT id, kind, subject_url, object_url, created_at FROM edges WHERE kind=? AND object_url=?`
	args := []any{kind, objectUrl}
	if maxId > 0 {
		query += ` AND id<?`
		args = append(args, maxId)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := repo.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Edge, 0, limit)
	for rows.Next() {
		e := Edge{}
		err = rows.Scan(&e.Id, &e.Kind, &e.SubjectUrl, &e.ObjectUrl, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddNotificationIfNew(notif *Notification) (isNew bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	isNew = true
	res, err := repo.db.Exec(`INSERT INTO notifications
    	(kind, recipient_url, origin_url, subject_url, dedup_hash, delivery_id, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		notif.Kind, notif.RecipientUrl, notif.OriginUrl, notif.SubjectUrl,
		notif.DedupHash, notif.DeliveryId, notif.CreatedAt)
	if err == nil {
		notif.Id, err = res.LastInsertId()
		return
	}
	// Duplicate key: same notification already recorded for this triple
	if isDuplicateKey(err) {
		isNew = false
		err = nil
	}
	return
}

func (repo *Repo) GetNotificationsPage(recipientUrl string, maxId int64, limit int) ([]*Notification, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	query := `SELECT id, kind, recipient_url, origin_url, subject_url, dedup_hash, delivery_id, created_at
		FROM notifications WHERE recipient_url=?`
	args := []any{recipientUrl}
	if maxId > 0 {
		query += ` AND id<?`
		args = append(args, maxId)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := repo.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Notification, 0, limit)
	for rows.Next() {
		n := Notification{}
		err = rows.Scan(&n.Id, &n.Kind, &n.RecipientUrl, &n.OriginUrl, &n.SubjectUrl,
			&n.DedupHash, &n.DeliveryId, &n.CreatedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, &n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddPushQueueItem(pqi *PushQueueItem) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO push_queue (delivery_id, recipient, payload, created_at)
		VALUES(?, ?, ?, ?)`,
		pqi.DeliveryId, pqi.Recipient, pqi.Payload, pqi.CreatedAt)
	return err
}

func (repo *Repo) GetPushQueueItems(aboveId, maxCount int) ([]*PushQueueItem, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var qlen int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM push_queue`)
	if err := row.Scan(&qlen); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT id, delivery_id, recipient, payload, created_at
		FROM push_queue WHERE id>? ORDER BY id ASC LIMIT ?`, aboveId, maxCount)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := make([]*PushQueueItem, 0, maxCount)
	for rows.Next() {
		pqi := PushQueueItem{}
		err = rows.Scan(&pqi.Id, &pqi.DeliveryId, &pqi.Recipient, &pqi.Payload, &pqi.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, &pqi)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, qlen, nil
}

func (repo *Repo) DeletePushQueueItem(id int) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM push_queue WHERE id=?`, id)
	return err
}

func (repo *Repo) UpsertPeer(host string, seen time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO peers (host, first_seen, last_seen) VALUES(?, ?, ?)
		ON CONFLICT (host) DO UPDATE SET last_seen=excluded.last_seen`, host, seen, seen)
	return err
}

func (repo *Repo) GetPeerCount() (uint, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM peers`)
	var err error
	var count int
	if err = row.Scan(&count); err != nil {
		return 0, err
	}
	return uint(count), nil
}

func (repo *Repo) MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	alreadyHandled = false
	err = nil

	_, err = repo.db.Exec(`INSERT INTO handled_activities VALUES (?, ?)`, id, when)

	if err == nil {
		return
	}

	// Duplicate key: activity was handled before
	if isDuplicateKey(err) {
		alreadyHandled = true
		err = nil
	}

	return
}
