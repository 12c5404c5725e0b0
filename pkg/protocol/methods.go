package protocol

import (
	"github.com/google/uuid"

	"github.com/aretw0/tessera/pkg/core"
)

// Method names.
const (
	MethodHostInfo = "host.info"

	MethodLogin          = "users.login"
	MethodLogout         = "users.logout"
	MethodUsersSubscribe = "users.subscribe"
	MethodAddUser        = "users.add"
	MethodSetPassword    = "users.set_password"
	MethodBan            = "users.ban"
	MethodUnban          = "users.unban"

	MethodAddCategory  = "tree.add_category"
	MethodAddItem      = "tree.add_item"
	MethodRename       = "tree.rename"
	MethodMove         = "tree.move"
	MethodDelete       = "tree.delete"
	MethodSetPublic    = "tree.set_public"
	MethodSetPrivate   = "tree.set_private"
	MethodAddMember    = "tree.add_member"
	MethodSetMember    = "tree.set_member"
	MethodRemoveMember = "tree.remove_member"
	MethodLock         = "tree.lock"
	MethodUnlock       = "tree.unlock"
	MethodSetPayload   = "tree.set_payload"

	MethodDataBasesSubscribe = "databases.subscribe"
	MethodAddDataBase        = "databases.add"
	MethodDeleteDataBase     = "databases.delete"
	MethodLoadDataBase       = "databases.load"
	MethodUnloadDataBase     = "databases.unload"
	MethodLockDataBase       = "databases.lock"
	MethodUnlockDataBase     = "databases.unlock"
	MethodEnter              = "database.enter"
	MethodLeave              = "database.leave"

	MethodBeginTransaction    = "transaction.begin"
	MethodCommitTransaction   = "transaction.commit"
	MethodRollbackTransaction = "transaction.rollback"

	MethodDomainsSubscribe = "domains.subscribe"
	MethodBeginEdit        = "domain.begin"
	MethodBeginNew         = "domain.begin_new"
	MethodJoinDomain       = "domain.join"
	MethodLeaveDomain      = "domain.leave"
	MethodNewRow           = "domain.new_row"
	MethodSetRow           = "domain.set_row"
	MethodRemoveRow        = "domain.remove_row"
	MethodSetProperty      = "domain.set_property"
	MethodSetOwner         = "domain.set_owner"
	MethodEndEdit          = "domain.end"
	MethodCancelEdit       = "domain.cancel"
	MethodDeleteDomain     = "domain.delete"
)

// Callback kinds that are not tree changes. Tree changes use core.ChangeKind,
// domain events use core.DomainEventKind.
const (
	KindLoggedIn  = "users.logged_in"
	KindLoggedOut = "users.logged_out"

	KindDataBaseCreated  = "databases.created"
	KindDataBaseDeleted  = "databases.deleted"
	KindDataBaseLoaded   = "databases.loaded"
	KindDataBaseUnloaded = "databases.unloaded"
	KindDataBaseLocked   = "databases.locked"
	KindDataBaseUnlocked = "databases.unlocked"
	KindDataBaseEntered  = "databases.entered"
	KindDataBaseLeft     = "databases.left"

	// KindTransactionEnded closes a commit or a rollback. Its data is the
	// data base after the transaction lock was released.
	KindTransactionEnded = "databases.transaction_ended"
)

// Parts of derived task ids.
const (
	PartReset = "reset"
	PartItem  = "item"
)

// HostInfo describes the server.
type HostInfo struct {
	Name     string `cbor:"name"`
	Version  string `cbor:"version"`
	Revision string `cbor:"revision,omitempty"`
}

// LoginParams carries credentials. Password is never logged.
type LoginParams struct {
	UserID   string `cbor:"user_id"`
	Password []byte `cbor:"password"`
}

// LoginResult returns the issued authentication, token included.
type LoginResult struct {
	Authentication core.AuthenticationInfo `cbor:"authentication"`
}

// UsersSnapshot is the state of the users source at Next.
type UsersSnapshot struct {
	Snapshot core.Snapshot[core.UserInfo] `cbor:"snapshot"`
	Online   []core.AuthenticationInfo    `cbor:"online,omitempty"`
	Next     uint64                       `cbor:"next"`
}

// AddUserParams creates a user item inside Category.
type AddUserParams struct {
	TaskID    core.TaskID    `cbor:"task_id"`
	Category  string         `cbor:"category"`
	UserID    string         `cbor:"user_id"`
	Name      string         `cbor:"name"`
	Authority core.Authority `cbor:"authority"`
	Password  []byte         `cbor:"password"`
}

// PasswordParams changes a password. Old is required unless the caller is an
// administrator changing another user's password.
type PasswordParams struct {
	TaskID core.TaskID `cbor:"task_id"`
	UserID string      `cbor:"user_id"`
	Old    []byte      `cbor:"old,omitempty"`
	New    []byte      `cbor:"new"`
}

// BanParams bans or unbans a user.
type BanParams struct {
	TaskID  core.TaskID `cbor:"task_id"`
	UserID  string      `cbor:"user_id"`
	Comment string      `cbor:"comment,omitempty"`
}

// TreeParams addresses one collection operation. DataBase is empty for the
// users collection. Path ends in "/" for categories.
type TreeParams struct {
	TaskID   core.TaskID     `cbor:"task_id"`
	DataBase string          `cbor:"database,omitempty"`
	Target   string          `cbor:"target"`
	Path     string          `cbor:"path"`
	Name     string          `cbor:"name,omitempty"`
	Parent   string          `cbor:"parent,omitempty"`
	UserID   string          `cbor:"user_id,omitempty"`
	Access   core.AccessType `cbor:"access,omitempty"`
	Comment  string          `cbor:"comment,omitempty"`
	Payload  RawMessage      `cbor:"payload,omitempty"`
}

// DataBasesSnapshot is the state of the databases source at Next.
type DataBasesSnapshot struct {
	DataBases []core.DataBaseInfo `cbor:"databases"`
	Next      uint64              `cbor:"next"`
}

// DataBaseParams addresses one data base.
type DataBaseParams struct {
	TaskID  core.TaskID `cbor:"task_id"`
	Name    string      `cbor:"name"`
	Comment string      `cbor:"comment,omitempty"`
}

// EnterResult is the state of a data base source at Next.
type EnterResult struct {
	Info   core.DataBaseInfo             `cbor:"info"`
	Types  core.Snapshot[core.TypeInfo]  `cbor:"types"`
	Tables core.Snapshot[core.TableInfo] `cbor:"tables"`
	Next   uint64                        `cbor:"next"`
}

// TransactionParams addresses a transaction. ID is empty on begin.
type TransactionParams struct {
	TaskID   core.TaskID `cbor:"task_id"`
	DataBase string      `cbor:"database"`
	ID       uuid.UUID   `cbor:"id"`
}

// TransactionResult returns the id of a begun transaction.
type TransactionResult struct {
	ID uuid.UUID `cbor:"id"`
}

// DomainsSnapshot is the state of the domains source at Next.
type DomainsSnapshot struct {
	Domains []core.DomainRecord `cbor:"domains"`
	Next    uint64              `cbor:"next"`
}

// DomainParams addresses a domain operation. Begin uses DataBase, Kind and
// Path; BeginNew uses Category and Name instead of Path; SetOwner takes the
// authentication id of the new owner in Owner.
type DomainParams struct {
	TaskID     core.TaskID     `cbor:"task_id"`
	ID         uuid.UUID       `cbor:"id"`
	DataBase   string          `cbor:"database,omitempty"`
	Kind       core.DomainKind `cbor:"kind,omitempty"`
	Path       string          `cbor:"path,omitempty"`
	Category   string          `cbor:"category,omitempty"`
	Name       string          `cbor:"name,omitempty"`
	Row        *core.Row       `cbor:"row,omitempty"`
	Key        string          `cbor:"key,omitempty"`
	Property   string          `cbor:"property,omitempty"`
	Value      string          `cbor:"value,omitempty"`
	Owner      string          `cbor:"owner,omitempty"`
	IsCanceled bool            `cbor:"is_canceled,omitempty"`
}

// DomainResult returns the domain as it stands after a begin or join.
type DomainResult struct {
	Info core.DomainInfo `cbor:"info"`
	Data core.DomainData `cbor:"data"`
}
