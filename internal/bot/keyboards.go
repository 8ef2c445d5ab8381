package bot

import "github.com/example/taxi-bot/internal/telegram"

// Menu button labels. These double as routing keys for plain-text messages.
const (
	btnOrderTaxi    = "Заказать такси"
	btnMyOrders     = "Мои заказы"
	btnCancelOrder  = "Отменить заказ"
	btnActiveOrders = "Активные заказы"
	btnCancelTrip   = "Отменить поездку"
	btnAdminChat    = "Чат с админом"
	btnAdminPanel   = "Админ-панель"
	btnAdminUsers   = "Пользователи"
	btnAdminOrders  = "Заказы"
	btnBack         = "Назад"
)

// Dialog button callback data. Kept apart from the actions package: these
// carry no entity id and are scoped to the step they belong to.
const (
	cbLuggageYes = "luggage_yes"
	cbLuggageNo  = "luggage_no"
	cbChildYes   = "child_yes"
	cbChildNo    = "child_no"
	cbConfirmYes = "confirm_yes"
	cbConfirmNo  = "confirm_no"
)

func phoneKeyboard() *telegram.SendOptions {
	return &telegram.SendOptions{ReplyKeyboard: &telegram.ReplyKeyboardMarkup{
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
		Keyboard: [][]telegram.KeyboardButton{
			{{Text: "Поделиться номером", RequestContact: true}},
		},
	}}
}

func riderMenu() *telegram.SendOptions {
	return &telegram.SendOptions{ReplyKeyboard: &telegram.ReplyKeyboardMarkup{
		ResizeKeyboard: true,
		Keyboard: [][]telegram.KeyboardButton{
			{{Text: btnOrderTaxi}},
			{{Text: btnMyOrders}},
			{{Text: btnCancelOrder}},
			{{Text: btnAdminChat}},
		},
	}}
}

func driverMenu(isAdmin bool) *telegram.SendOptions {
	rows := [][]telegram.KeyboardButton{
		{{Text: btnActiveOrders}},
		{{Text: btnCancelTrip}},
		{{Text: btnAdminChat}},
	}
	if isAdmin {
		rows = append(rows, []telegram.KeyboardButton{{Text: btnAdminPanel}})
	}
	return &telegram.SendOptions{ReplyKeyboard: &telegram.ReplyKeyboardMarkup{
		ResizeKeyboard: true,
		Keyboard:       rows,
	}}
}

func adminMenu() *telegram.SendOptions {
	return &telegram.SendOptions{ReplyKeyboard: &telegram.ReplyKeyboardMarkup{
		ResizeKeyboard: true,
		Keyboard: [][]telegram.KeyboardButton{
			{{Text: btnAdminUsers}},
			{{Text: btnAdminOrders}},
			{{Text: btnBack}},
		},
	}}
}

func inlineRow(buttons ...telegram.InlineKeyboardButton) *telegram.SendOptions {
	return &telegram.SendOptions{InlineKeyboard: &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{buttons},
	}}
}

func yesNoInline(yesData, noData string) *telegram.SendOptions {
	return inlineRow(
		telegram.InlineKeyboardButton{Text: "Да", CallbackData: yesData},
		telegram.InlineKeyboardButton{Text: "Нет", CallbackData: noData},
	)
}
