package store

// Priority — приоритет синхронизации чата и его джоб. Меньше — важнее;
// очередь упорядочена (priority ASC, created_at ASC).
type Priority int

const (
	PriorityRealtime   Priority = 0
	PriorityHigh       Priority = 1
	PriorityMedium     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

// JobType — вид работы над историей чата.
//
//	forward_catchup  — догнать пропущенное после forward_cursor;
//	backward_history — углубляться в прошлое до backward_cursor;
//	initial_load     — первая загрузка, задаёт оба курсора;
//	full_sync        — принудительная пересинхронизация (посев + продолжение).
type JobType string

const (
	JobForwardCatchup  JobType = "forward_catchup"
	JobBackwardHistory JobType = "backward_history"
	JobInitialLoad     JobType = "initial_load"
	JobFullSync        JobType = "full_sync"
)

// JobStatus — конечный автомат джобы: pending → running → completed | failed,
// плюс восстановительный переход running → pending после падения демона.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ChatType — вид диалога в канонической классификации зеркала.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// MessageType — нормализованный тип содержимого сообщения.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessagePhoto       MessageType = "photo"
	MessageDocument    MessageType = "document"
	MessageVideo       MessageType = "video"
	MessageAudio       MessageType = "audio"
	MessageSticker     MessageType = "sticker"
	MessageVoice       MessageType = "voice"
	MessageGIF         MessageType = "gif"
	MessagePoll        MessageType = "poll"
	MessageContact     MessageType = "contact"
	MessageLocation    MessageType = "location"
	MessageVenue       MessageType = "venue"
	MessageDice        MessageType = "dice"
	MessageGame        MessageType = "game"
	MessageInvoice     MessageType = "invoice"
	MessageStory       MessageType = "story"
	MessageWebpage     MessageType = "webpage"
	MessageTypeService MessageType = "service"
	MessageUnknown     MessageType = "unknown"
)

// Message — строка messages_cache. Нулевые значения опциональных полей
// (FromID, ReplyToID, ForwardFromID, EditDate) записываются как NULL.
// Date и EditDate — unix-секунды провода; остальные метки — unix-мс демона.
type Message struct {
	ChatID        int64 // канонический знаковый id диалога
	MessageID     int
	FromID        int64 // канонический id отправителя, 0 = неизвестен
	ReplyToID     int
	ForwardFromID int64 // канонический id происхождения пересылки
	Text          string
	Type          MessageType
	HasMedia      bool
	IsOutgoing    bool
	IsEdited      bool
	IsPinned      bool
	IsDeleted     bool
	EditDate      int64
	Date          int64
	FetchedAt     int64
	RawJSON       string
	CreatedAt     int64
	UpdatedAt     int64
}

// ChatSyncState — строка chat_sync_state: двухкурсорное состояние зеркала чата.
// ForwardCursor/BackwardCursor равные нулю означают «курсор не инициализирован»
// (настоящие message_id начинаются с 1).
type ChatSyncState struct {
	ChatID           int64
	ChatType         ChatType
	MemberCount      int
	ForwardCursor    int
	BackwardCursor   int
	Priority         Priority
	Enabled          bool
	HistoryComplete  bool
	SyncedMessages   int64
	LastForwardSync  int64
	LastBackwardSync int64
	CreatedAt        int64
	UpdatedAt        int64
}

// SyncJob — строка sync_jobs. Нулевые CursorStart/CursorEnd, StartedAt,
// CompletedAt хранятся как NULL.
type SyncJob struct {
	ID              int64
	ChatID          int64
	Type            JobType
	Priority        Priority
	Status          JobStatus
	CursorStart     int
	CursorEnd       int
	MessagesFetched int
	ErrorMessage    string
	CreatedAt       int64
	StartedAt       int64
	CompletedAt     int64
}

// Account — строка accounts реестра. SessionData — сериализованная MTProto-сессия
// (посев для bbolt-файла аккаунта); Phone может быть плейсхолдером "user:<id>".
type Account struct {
	ID          int64
	Phone       string
	UserID      int64
	Name        string
	Username    string
	Label       string
	SessionData []byte
	IsActive    bool
	CreatedAt   int64
	UpdatedAt   int64
}

// APIActivity — строка журнала api_activity: одна попытка RPC.
type APIActivity struct {
	ID         int64
	TS         int64
	AccountID  int64 // 0 = вне контекста аккаунта
	Method     string
	Success    bool
	ErrorCode  string
	ResponseMS int64
	Context    string
}

// CachedUser — строка users_cache.
type CachedUser struct {
	UserID     int64
	AccessHash int64
	FirstName  string
	LastName   string
	Username   string
	Phone      string
	IsBot      bool
	IsContact  bool
	RawJSON    string
	FetchedAt  int64
	UpdatedAt  int64
}

// CachedChat — строка chats_cache. ChatID канонический знаковый; AccessHash
// значим для каналов/супергрупп и приватных диалогов.
type CachedChat struct {
	ChatID      int64
	ChatType    ChatType
	Title       string
	Username    string
	AccessHash  int64
	MemberCount int
	RawJSON     string
	FetchedAt   int64
	UpdatedAt   int64
}

// nullable преобразует нулевое значение в NULL при записи: опциональные колонки
// не должны хранить нули-сентинелы.
func nullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// nullableInt — то же для int-колонок (message_id-курсоры, reply_to_id).
func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// nullableStr — NULL вместо пустой строки.
func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
