package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/example/taxi-bot/internal/actions"
	"github.com/example/taxi-bot/internal/dialog"
	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/negotiation"
	"github.com/example/taxi-bot/internal/session"
	"github.com/example/taxi-bot/internal/storage"
	"github.com/example/taxi-bot/internal/telegram"
)

type DriverBot struct {
	TG       *telegram.Client
	Engine   *negotiation.Engine
	Sessions *session.Gateway
	Dialogs  *dialog.Collector
	Store    storage.Store
	AdminID  int64
	Logger   *slog.Logger
}

func (b *DriverBot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *DriverBot) reply(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) {
	if err := b.TG.SendMessage(ctx, chatID, text, opts); err != nil {
		b.Logger.Warn("driver reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *DriverBot) isAdmin(userID int64) bool {
	return b.AdminID != 0 && userID == b.AdminID
}

func (b *DriverBot) handleMessage(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if msg.Contact != nil {
		if err := b.Store.SetUserPhone(ctx, userID, msg.Contact.PhoneNumber); err != nil {
			b.Logger.Warn("phone update failed", "user_id", userID, "error", err)
		}
		b.reply(ctx, chatID, "Номер сохранён!", driverMenu(b.isAdmin(userID)))
		return
	}

	switch strings.TrimSpace(msg.Text) {
	case "/start":
		b.handleStart(ctx, msg)
		return
	case btnActiveOrders:
		b.listActiveOrders(ctx, chatID)
		return
	case btnCancelTrip:
		b.cancelTrip(ctx, userID, chatID)
		return
	case btnAdminChat:
		b.forwardToAdmin(ctx, msg)
		return
	case btnAdminPanel:
		if !b.isAdmin(userID) {
			b.reply(ctx, chatID, "Доступ запрещён.", nil)
			return
		}
		b.reply(ctx, chatID, "Админ-панель", adminMenu())
		return
	case btnAdminUsers:
		if b.isAdmin(userID) {
			b.listUsers(ctx, chatID)
		}
		return
	case btnAdminOrders:
		if b.isAdmin(userID) {
			b.listAllOrders(ctx, chatID)
		}
		return
	case btnBack:
		b.reply(ctx, chatID, "Что хотите?", driverMenu(b.isAdmin(userID)))
		return
	}

	st, err := b.Dialogs.Active(ctx, userID, dialog.OfferIntake)
	if err != nil {
		b.Logger.Error("dialog lookup failed", "user_id", userID, "error", err)
		return
	}
	if st != nil && !msg.HasMedia() {
		b.advanceOfferDialog(ctx, userID, chatID, msg.Text)
		return
	}

	b.relay(ctx, msg)
}

func (b *DriverBot) handleStart(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	u, err := b.Store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		newUser := &models.User{ID: userID, Role: models.RoleDriver, DisplayName: msg.From.FullName()}
		if err := b.Store.CreateUser(ctx, newUser); err != nil && !errors.Is(err, storage.ErrConflict) {
			b.Logger.Error("user create failed", "user_id", userID, "error", err)
			return
		}
		b.reply(ctx, chatID, "Привет, водитель! Поделись номером для работы:", phoneKeyboard())
		return
	}
	if err != nil {
		b.Logger.Error("user lookup failed", "user_id", userID, "error", err)
		return
	}
	if u.Blocked {
		b.reply(ctx, chatID, "Вы заблокированы.", nil)
		return
	}
	b.reply(ctx, chatID, "Привет, водитель! Что хотите?", driverMenu(b.isAdmin(userID)))
}

func (b *DriverBot) listActiveOrders(ctx context.Context, chatID int64) {
	orders, err := b.Store.ListOrdersByStatus(ctx, models.OrderNew)
	if err != nil {
		b.Logger.Error("order listing failed", "error", err)
		return
	}
	if len(orders) == 0 {
		b.reply(ctx, chatID, "Активных заказов нет.", nil)
		return
	}
	for _, o := range orders {
		b.reply(ctx, chatID, negotiation.OrderCard(&o), inlineRow(telegram.InlineKeyboardButton{
			Text:         "Сделать предложение",
			CallbackData: actions.Encode(actions.SubmitOffer, o.ID),
		}))
	}
}

func (b *DriverBot) cancelTrip(ctx context.Context, userID, chatID int64) {
	o, err := b.Engine.CancelByDriver(ctx, userID)
	switch {
	case err == nil:
		b.reply(ctx, chatID, fmt.Sprintf("Поездка отменена. Заказ #%d снова доступен другим водителям.", o.ID), nil)
	case errors.Is(err, negotiation.ErrNotFound):
		b.reply(ctx, chatID, "У вас нет принятых заказов.", nil)
	case errors.Is(err, negotiation.ErrConflict):
		b.reply(ctx, chatID, "Заказ уже отменён пассажиром.", nil)
	default:
		b.Logger.Error("driver cancel failed", "user_id", userID, "error", err)
		b.reply(ctx, chatID, "Не удалось отменить поездку.", nil)
	}
}

func (b *DriverBot) forwardToAdmin(ctx context.Context, msg *telegram.Message) {
	b.reply(ctx, msg.Chat.ID, "Пишите админу:", &telegram.SendOptions{RemoveKeyboard: true})
	if b.AdminID == 0 {
		return
	}
	if err := b.TG.CopyMessage(ctx, b.AdminID, msg.Chat.ID, msg.MessageID); err != nil {
		b.Logger.Warn("admin passthrough failed", "from", msg.From.ID, "error", err)
	}
}

func (b *DriverBot) listUsers(ctx context.Context, chatID int64) {
	users, err := b.Store.ListUsers(ctx)
	if err != nil {
		b.Logger.Error("user listing failed", "error", err)
		return
	}
	var sb strings.Builder
	sb.WriteString("Пользователи:\n")
	for _, u := range users {
		state := "Активен"
		if u.Blocked {
			state = "Заблокирован"
		}
		fmt.Fprintf(&sb, "%s (@%d) — %s %s\n", u.DisplayName, u.ID, u.Role, state)
	}
	b.reply(ctx, chatID, sb.String(), nil)
}

func (b *DriverBot) listAllOrders(ctx context.Context, chatID int64) {
	orders, err := b.Store.ListOrders(ctx)
	if err != nil {
		b.Logger.Error("order listing failed", "error", err)
		return
	}
	var sb strings.Builder
	sb.WriteString("Заказы:\n")
	for _, o := range orders {
		fmt.Fprintf(&sb, "ID %d | %s → %s | %s\n", o.ID, o.FromAddress, o.ToAddress, o.Status)
	}
	b.reply(ctx, chatID, sb.String(), nil)
}

func (b *DriverBot) relay(ctx context.Context, msg *telegram.Message) {
	p := session.Payload{Text: msg.Text}
	if msg.HasMedia() {
		p = session.Payload{MediaChatID: msg.Chat.ID, MediaMessageID: msg.MessageID}
	}
	if err := b.Sessions.Relay(ctx, msg.From.ID, p); err != nil {
		b.Logger.Error("relay failed", "user_id", msg.From.ID, "error", err)
	}
}

// Offer intake steps, in collector order.
const (
	offerStepCar = iota
	offerStepPrice
)

func (b *DriverBot) advanceOfferDialog(ctx context.Context, userID, chatID int64, text string) {
	out, err := b.Dialogs.Advance(ctx, userID, dialog.OfferIntake, strings.TrimSpace(text))
	if err != nil {
		b.Logger.Error("dialog advance failed", "user_id", userID, "error", err)
		return
	}
	switch out.Status {
	case dialog.Invalid:
		b.reply(ctx, chatID, "Только цифры!", nil)
	case dialog.Advanced:
		if out.Step == offerStepPrice {
			b.reply(ctx, chatID, "Стоимость поездки (руб):", nil)
		}
	case dialog.Done:
		b.submitOffer(ctx, userID, chatID, out.Fields)
	}
}

func (b *DriverBot) submitOffer(ctx context.Context, userID, chatID int64, fields map[string]string) {
	orderID, err := strconv.ParseInt(fields[dialog.FieldOrderID], 10, 64)
	if err != nil {
		b.Logger.Error("offer dialog lost its order id", "user_id", userID)
		return
	}
	price, _ := strconv.Atoi(fields[dialog.FieldPrice])
	_, err = b.Engine.SubmitOffer(ctx, userID, orderID, fields[dialog.FieldCarModel], price)
	switch {
	case err == nil:
		b.reply(ctx, chatID, "Предложение отправлено!", driverMenu(b.isAdmin(userID)))
	case errors.Is(err, negotiation.ErrNotFound):
		b.reply(ctx, chatID, "Заказ не найден.", driverMenu(b.isAdmin(userID)))
	case errors.Is(err, negotiation.ErrConflict):
		b.reply(ctx, chatID, "Заказ уже недоступен.", driverMenu(b.isAdmin(userID)))
	default:
		b.Logger.Error("offer submit failed", "user_id", userID, "order_id", orderID, "error", err)
		b.reply(ctx, chatID, "Не удалось отправить предложение.", driverMenu(b.isAdmin(userID)))
	}
}

func (b *DriverBot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	userID := cb.From.ID
	chatID := userID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}
	defer func() {
		if err := b.TG.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
			b.Logger.Warn("callback ack failed", "user_id", userID, "error", err)
		}
	}()

	kind, id, ok := actions.Decode(cb.Data)
	if !ok || kind != actions.SubmitOffer {
		return
	}
	seed := map[string]string{dialog.FieldOrderID: strconv.FormatInt(id, 10)}
	if err := b.Dialogs.Start(ctx, userID, dialog.OfferIntake, seed); err != nil {
		b.Logger.Error("dialog start failed", "user_id", userID, "error", err)
		return
	}
	b.reply(ctx, chatID, "Марка и модель авто:", nil)
}
