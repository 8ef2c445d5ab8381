package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/taxi-bot/internal/actions"
	"github.com/example/taxi-bot/internal/dialog"
	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/negotiation"
	"github.com/example/taxi-bot/internal/session"
	"github.com/example/taxi-bot/internal/storage"
	"github.com/example/taxi-bot/internal/telegram"
)

type RiderBot struct {
	TG       *telegram.Client
	Engine   *negotiation.Engine
	Sessions *session.Gateway
	Dialogs  *dialog.Collector
	Store    storage.Store
	AdminID  int64
	Logger   *slog.Logger
}

func (b *RiderBot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *RiderBot) reply(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) {
	if err := b.TG.SendMessage(ctx, chatID, text, opts); err != nil {
		b.Logger.Warn("rider reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *RiderBot) handleMessage(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if msg.Contact != nil {
		if err := b.Store.SetUserPhone(ctx, userID, msg.Contact.PhoneNumber); err != nil {
			b.Logger.Warn("phone update failed", "user_id", userID, "error", err)
		}
		b.reply(ctx, chatID, "Номер сохранён!", riderMenu())
		return
	}

	switch strings.TrimSpace(msg.Text) {
	case "/start":
		b.handleStart(ctx, msg)
		return
	case btnOrderTaxi:
		if err := b.Dialogs.Start(ctx, userID, dialog.OrderIntake, nil); err != nil {
			b.Logger.Error("dialog start failed", "user_id", userID, "error", err)
			return
		}
		b.reply(ctx, chatID, "Откуда едем? (улица, дом)", nil)
		return
	case btnMyOrders:
		b.listOwnOrders(ctx, userID, chatID)
		return
	case btnCancelOrder:
		b.cancelOrder(ctx, userID, chatID)
		return
	case btnAdminChat:
		b.forwardToAdmin(ctx, msg)
		return
	}

	st, err := b.Dialogs.Active(ctx, userID, dialog.OrderIntake)
	if err != nil {
		b.Logger.Error("dialog lookup failed", "user_id", userID, "error", err)
		return
	}
	if st != nil && !msg.HasMedia() {
		b.advanceOrderDialog(ctx, userID, chatID, st, msg.Text)
		return
	}

	// Not a command and no dialog: either relayed into an open session or
	// silently dropped.
	b.relay(ctx, msg)
}

func (b *RiderBot) handleStart(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	u, err := b.Store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		newUser := &models.User{ID: userID, Role: models.RoleRider, DisplayName: msg.From.FullName()}
		if err := b.Store.CreateUser(ctx, newUser); err != nil && !errors.Is(err, storage.ErrConflict) {
			b.Logger.Error("user create failed", "user_id", userID, "error", err)
			return
		}
		b.reply(ctx, chatID, "Привет! Поделись номером для работы с ботом:", phoneKeyboard())
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
	b.reply(ctx, chatID, "Привет! Что хотите?", riderMenu())
}

func (b *RiderBot) listOwnOrders(ctx context.Context, userID, chatID int64) {
	orders, err := b.Store.ListActiveOrdersByRider(ctx, userID)
	if err != nil {
		b.Logger.Error("order listing failed", "user_id", userID, "error", err)
		return
	}
	if len(orders) == 0 {
		b.reply(ctx, chatID, "У вас нет активных заказов.", nil)
		return
	}
	var sb strings.Builder
	sb.WriteString("Ваши заказы:\n")
	for _, o := range orders {
		fmt.Fprintf(&sb, "ID %d | %s → %s | %s\n", o.ID, o.FromAddress, o.ToAddress, o.Status)
	}
	b.reply(ctx, chatID, sb.String(), nil)
}

func (b *RiderBot) cancelOrder(ctx context.Context, userID, chatID int64) {
	o, err := b.Engine.CancelByRider(ctx, userID)
	if errors.Is(err, negotiation.ErrNotFound) {
		b.reply(ctx, chatID, "У вас нет активных заказов.", nil)
		return
	}
	if err != nil {
		b.Logger.Error("rider cancel failed", "user_id", userID, "error", err)
		b.reply(ctx, chatID, "Не удалось отменить заказ, попробуйте ещё раз.", nil)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Заказ #%d отменён.", o.ID), nil)
}

func (b *RiderBot) forwardToAdmin(ctx context.Context, msg *telegram.Message) {
	b.reply(ctx, msg.Chat.ID, "Пишите админу:", &telegram.SendOptions{RemoveKeyboard: true})
	if b.AdminID == 0 {
		return
	}
	if err := b.TG.CopyMessage(ctx, b.AdminID, msg.Chat.ID, msg.MessageID); err != nil {
		b.Logger.Warn("admin passthrough failed", "from", msg.From.ID, "error", err)
	}
}

func (b *RiderBot) relay(ctx context.Context, msg *telegram.Message) {
	p := session.Payload{Text: msg.Text}
	if msg.HasMedia() {
		p = session.Payload{MediaChatID: msg.Chat.ID, MediaMessageID: msg.MessageID}
	}
	if err := b.Sessions.Relay(ctx, msg.From.ID, p); err != nil {
		b.Logger.Error("relay failed", "user_id", msg.From.ID, "error", err)
	}
}

// Order intake steps, in collector order.
const (
	orderStepFrom = iota
	orderStepTo
	orderStepComment
	orderStepLuggage
	orderStepChild
	orderStepConfirm
)

// advanceOrderDialog consumes free-text input for the address/comment steps.
// Boolean and confirm steps only accept their buttons; typing there just
// repeats the prompt.
func (b *RiderBot) advanceOrderDialog(ctx context.Context, userID, chatID int64, st *dialog.State, text string) {
	if st.Step > orderStepComment {
		b.promptOrderStep(ctx, chatID, st.Step, st.Fields)
		return
	}
	out, err := b.Dialogs.Advance(ctx, userID, dialog.OrderIntake, text)
	if err != nil {
		b.Logger.Error("dialog advance failed", "user_id", userID, "error", err)
		return
	}
	b.promptOrderStep(ctx, chatID, out.Step, out.Fields)
}

func (b *RiderBot) promptOrderStep(ctx context.Context, chatID int64, step int, fields map[string]string) {
	switch step {
	case orderStepFrom:
		b.reply(ctx, chatID, "Откуда едем? (улица, дом)", nil)
	case orderStepTo:
		b.reply(ctx, chatID, "Куда едем?", nil)
	case orderStepComment:
		b.reply(ctx, chatID, "Комментарий к заказу (необязательно):", nil)
	case orderStepLuggage:
		b.reply(ctx, chatID, "Багаж?", yesNoInline(cbLuggageYes, cbLuggageNo))
	case orderStepChild:
		b.reply(ctx, chatID, "Ребёнок?", yesNoInline(cbChildYes, cbChildNo))
	case orderStepConfirm:
		b.reply(ctx, chatID, orderSummary(fields), yesNoInline(cbConfirmYes, cbConfirmNo))
	}
}

func orderSummary(fields map[string]string) string {
	comment := fields[dialog.FieldComment]
	if comment == "" {
		comment = "—"
	}
	return fmt.Sprintf(
		"Проверьте заказ:\n\nОткуда: %s\nКуда: %s\nКомментарий: %s\nБагаж: %s\nРебёнок: %s\n\nПодтвердить создание заказа?",
		fields[dialog.FieldFrom], fields[dialog.FieldTo], comment,
		ruYesNo(fields[dialog.FieldLuggage]), ruYesNo(fields[dialog.FieldChild]))
}

func ruYesNo(v string) string {
	if v == dialog.InputYes {
		return "Да"
	}
	return "Нет"
}

// dialogStepFor maps a dialog button to the step it belongs to, so stale
// buttons from an earlier (replaced) dialog round are ignored.
func dialogStepFor(data string) (step int, input string, ok bool) {
	switch data {
	case cbLuggageYes:
		return orderStepLuggage, dialog.InputYes, true
	case cbLuggageNo:
		return orderStepLuggage, dialog.InputNo, true
	case cbChildYes:
		return orderStepChild, dialog.InputYes, true
	case cbChildNo:
		return orderStepChild, dialog.InputNo, true
	case cbConfirmYes:
		return orderStepConfirm, dialog.InputYes, true
	case cbConfirmNo:
		return orderStepConfirm, dialog.InputNo, true
	}
	return 0, "", false
}

func (b *RiderBot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
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

	if step, input, ok := dialogStepFor(cb.Data); ok {
		b.handleDialogButton(ctx, userID, chatID, step, input)
		return
	}

	kind, id, ok := actions.Decode(cb.Data)
	if !ok {
		return
	}
	switch kind {
	case actions.Accept:
		b.acceptOffer(ctx, userID, chatID, id)
	case actions.Reject:
		b.rejectOffer(ctx, userID, chatID, id)
	}
}

func (b *RiderBot) handleDialogButton(ctx context.Context, userID, chatID int64, step int, input string) {
	st, err := b.Dialogs.Active(ctx, userID, dialog.OrderIntake)
	if err != nil || st == nil || st.Step != step {
		// No dialog, or a button from a superseded round; nothing to do.
		return
	}
	out, err := b.Dialogs.Advance(ctx, userID, dialog.OrderIntake, input)
	if err != nil {
		b.Logger.Error("dialog advance failed", "user_id", userID, "error", err)
		return
	}
	switch out.Status {
	case dialog.Done:
		b.createOrder(ctx, userID, chatID, out.Fields)
	case dialog.Canceled:
		b.reply(ctx, chatID, "Заказ отменён.", riderMenu())
	case dialog.Advanced:
		b.promptOrderStep(ctx, chatID, out.Step, out.Fields)
	}
}

func (b *RiderBot) createOrder(ctx context.Context, userID, chatID int64, fields map[string]string) {
	_, err := b.Engine.CreateOrder(ctx, userID, negotiation.OrderFields{
		FromAddress: fields[dialog.FieldFrom],
		ToAddress:   fields[dialog.FieldTo],
		Comment:     fields[dialog.FieldComment],
		HasLuggage:  fields[dialog.FieldLuggage] == dialog.InputYes,
		HasChild:    fields[dialog.FieldChild] == dialog.InputYes,
	})
	if err != nil {
		b.Logger.Error("order create failed", "user_id", userID, "error", err)
		b.reply(ctx, chatID, "Не удалось создать заказ, попробуйте ещё раз.", riderMenu())
		return
	}
	b.reply(ctx, chatID, "Заказ создан и отправлен водителям!", riderMenu())
}

func (b *RiderBot) acceptOffer(ctx context.Context, userID, chatID, offerID int64) {
	_, err := b.Engine.AcceptOffer(ctx, userID, offerID)
	switch {
	case err == nil:
		// Both parties are notified by the engine.
	case errors.Is(err, negotiation.ErrAlreadyRejected):
		b.reply(ctx, chatID, "Предложение отклонено.", nil)
	case errors.Is(err, negotiation.ErrConflict):
		b.reply(ctx, chatID, "Заказ уже принят.", nil)
	case errors.Is(err, negotiation.ErrNotFound):
		b.reply(ctx, chatID, "Предложение не найдено.", nil)
	default:
		b.Logger.Error("accept failed", "user_id", userID, "offer_id", offerID, "error", err)
		b.reply(ctx, chatID, "Не удалось принять предложение.", nil)
	}
}

func (b *RiderBot) rejectOffer(ctx context.Context, userID, chatID, offerID int64) {
	err := b.Engine.RejectOffer(ctx, userID, offerID)
	switch {
	case err == nil:
		b.reply(ctx, chatID, "Предложение отклонено.", nil)
	case errors.Is(err, negotiation.ErrNotFound):
		b.reply(ctx, chatID, "Предложение не найдено.", nil)
	default:
		b.Logger.Error("reject failed", "user_id", userID, "offer_id", offerID, "error", err)
	}
}
