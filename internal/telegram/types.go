package telegram

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type Message struct {
	MessageID int      `json:"message_id"`
	From      *From    `json:"from,omitempty"`
	Chat      Chat     `json:"chat"`
	Text      string   `json:"text,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`

	// Media markers; the bots never download content, they only need to
	// know a message is not plain text so it can be copied verbatim.
	Photo    []PhotoSize `json:"photo,omitempty"`
	Video    *FileRef    `json:"video,omitempty"`
	Voice    *FileRef    `json:"voice,omitempty"`
	Document *FileRef    `json:"document,omitempty"`
	Sticker  *FileRef    `json:"sticker,omitempty"`
}

// HasMedia reports whether the message carries content beyond plain text.
func (m *Message) HasMedia() bool {
	return len(m.Photo) > 0 || m.Video != nil || m.Voice != nil || m.Document != nil || m.Sticker != nil
}

type From struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// FullName renders the display name the way Telegram clients do.
func (f *From) FullName() string {
	if f.LastName == "" {
		return f.FirstName
	}
	return f.FirstName + " " + f.LastName
}

type Chat struct {
	ID int64 `json:"id"`
}

type Contact struct {
	PhoneNumber string `json:"phone_number"`
	UserID      int64  `json:"user_id,omitempty"`
}

type PhotoSize struct {
	FileID string `json:"file_id"`
}

type FileRef struct {
	FileID string `json:"file_id"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    From     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

type ReplyKeyboardMarkup struct {
	Keyboard        [][]KeyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard,omitempty"`
	OneTimeKeyboard bool               `json:"one_time_keyboard,omitempty"`
}

type KeyboardButton struct {
	Text           string `json:"text"`
	RequestContact bool   `json:"request_contact,omitempty"`
}
