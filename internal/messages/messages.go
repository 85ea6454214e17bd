package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/clubpass/club-pass-bot/types"
)

const ParseModeHTML = "HTML"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func fmtDate(t time.Time) string {
	return t.Format("02.01.2006")
}

func fmtMoney(amount int64, currency string) string {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "RUB" || cur == "" {
		return fmt.Sprintf("%.2f руб.", float64(amount)/100)
	}
	return fmt.Sprintf("%.2f %s", float64(amount)/100, cur)
}

func StartWelcome(firstName string) string {
	greeting := "Здравствуйте!"
	if strings.TrimSpace(firstName) != "" {
		greeting = fmt.Sprintf("Здравствуйте, %s!", Escape(firstName))
	}
	return greeting + "\n" +
		"Этот бот предоставляет платную подписку на закрытые телеграм-каналы.\n\n" +
		"📋 /subscription — управление подпиской\n" +
		"❓ /help — помощь"
}

func Help() string {
	return "ℹ️ <b>Команды</b>\n" +
		"/subscription — текущая подписка и покупка\n" +
		"/start — главное меню\n\n" +
		"После оплаты вы получите персональную ссылку-приглашение. " +
		"Перейдите по ней и нажмите «Запросить вступление» — запрос будет одобрен автоматически."
}

func ChoosePlan() string {
	return "Выберите тип подписки:"
}

func ChooseAction() string {
	return "Выберите действие:"
}

func NoPlans() string {
	return "😔 Сейчас нет доступных тарифов. Попробуйте позже."
}

func SubscriptionDetails(planName string, endDate time.Time, daysLeft int, inviteLink string) string {
	text := fmt.Sprintf(
		"Ваша текущая подписка: <b>%s</b>\nДействует до: %s\nОсталось дней: %d",
		Escape(planName), fmtDate(endDate), daysLeft,
	)
	if strings.TrimSpace(inviteLink) != "" {
		text += fmt.Sprintf("\n\nСсылка для входа в канал: %s", inviteLink)
		text += "\n\n⚠️ Эта ссылка доступна только вам. При переходе отправьте запрос на вступление — он будет одобрен автоматически."
	}
	return text
}

func PlanPreview(p *types.Plan, isExtension bool) string {
	what := "подписку"
	if isExtension {
		what = "продление подписки"
	}
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		desc = "-"
	}
	return fmt.Sprintf(
		"Вы выбрали %s: <b>%s</b>\nОписание: %s\nДлительность: %d дней\nСтоимость: %s\n\nНажмите кнопку ниже для оплаты:",
		what, Escape(p.Name), Escape(desc), p.DurationDays, fmtMoney(p.Price, "RUB"),
	)
}

func PlanNotFound() string {
	return "Ошибка: выбранный тариф не найден."
}

func InvoiceCreateFailed() string {
	return "Произошла ошибка при создании платежа. Попробуйте позже."
}

func PaymentCanceled() string {
	return "Оплата отменена. Вы можете вернуться в главное меню: /start"
}

func PreCheckoutRejected() string {
	return "Ошибка обработки платежа: некорректный формат данных."
}

func PaymentSucceeded(planName string, endDate time.Time, inviteLink string) string {
	text := fmt.Sprintf("✅ Оплата успешно выполнена!\n\nПодписка: <b>%s</b>\nСрок действия: до %s", Escape(planName), fmtDate(endDate))
	return text + inviteBlock(inviteLink)
}

func PaymentSucceededGeneric(endDate time.Time, inviteLink string) string {
	text := fmt.Sprintf("✅ Оплата успешно выполнена!\n\nСрок действия подписки: до %s", fmtDate(endDate))
	return text + inviteBlock(inviteLink)
}

func PaymentExtended(planName string, endDate time.Time, inviteLink string) string {
	text := fmt.Sprintf("✅ Оплата успешно выполнена!\n\nПодписка продлена: <b>%s</b>\nСрок действия: до %s", Escape(planName), fmtDate(endDate))
	return text + inviteBlock(inviteLink)
}

func inviteBlock(inviteLink string) string {
	if strings.TrimSpace(inviteLink) == "" {
		return "\n\nСсылка-приглашение будет отправлена отдельным сообщением."
	}
	return fmt.Sprintf("\n\nСсылка для входа в канал: %s\n⚠️ Перейдя по ссылке, нажмите «Запросить вступление». Запрос будет одобрен автоматически.", inviteLink)
}

func PaymentAlreadyProcessed() string {
	return "Этот платеж уже был обработан, подписка активна."
}

func PaymentUnrecognized() string {
	return "Произошла ошибка при обработке платежа. Пожалуйста, обратитесь в поддержку."
}

func PaymentManualRemediation() string {
	return "⚠️ Платеж выполнен, но возникла техническая ошибка при активации подписки. " +
		"Наши специалисты уже работают над этим и восстановят ваш доступ в ближайшее время. " +
		"Пожалуйста, сохраните этот чат для подтверждения оплаты."
}

func NoActiveSubscription() string {
	return "У вас нет активной подписки."
}

func CancelConfirm() string {
	return "⚠️ Вы уверены, что хотите отменить подписку? Доступ к каналу будет отозван, деньги за неиспользованный период не возвращаются."
}

func CancelDone() string {
	return "Ваша подписка отменена. Доступ к каналу отозван."
}

func CancelFailed() string {
	return "Произошла ошибка при отмене подписки. Попробуйте позже или обратитесь в поддержку."
}

func ReminderExpiring() string {
	return "⏰ Ваша подписка истекает через 24 часа! Продлите её, чтобы не потерять доступ к каналу: /subscription"
}

func ExpiredNotice() string {
	return "❌ Ваша подписка истекла. Доступ к каналу отозван. Оформите новую подписку для восстановления доступа: /subscription"
}

func JoinApproved() string {
	return "✅ Ваш запрос на вступление в канал одобрен. Добро пожаловать!"
}

func JoinDeclined() string {
	return "❌ Ваш запрос на вступление в канал отклонен. Эта ссылка-приглашение предназначена для другого пользователя."
}

func PaymentErrorsEmpty() string {
	return "Нет неразрешенных ошибок платежей."
}

func PaymentErrorItem(pe *types.PaymentError) string {
	planLine := "N/A"
	if pe.PlanID != 0 {
		planLine = fmt.Sprintf("%d", pe.PlanID)
	}
	return fmt.Sprintf(
		"🚨 Ошибка платежа #%d\nПользователь: %d\nВремя: %s\nID транзакции: %s\nСумма: %s\nПлан: %s\nОшибка: %s\n\nДля разрешения: /resolve_payment_error %d &lt;заметка&gt;",
		pe.ID, pe.TelegramUserID, pe.CreatedAt.Format("02.01.2006 15:04:05"),
		Escape(pe.ChargeID), fmtMoney(pe.Amount, pe.Currency), planLine, Escape(pe.ErrorMessage), pe.ID,
	)
}

func PaymentErrorResolved(id int64) string {
	return fmt.Sprintf("✅ Ошибка платежа #%d помечена как разрешенная.", id)
}

func PaymentErrorNotFound(id int64) string {
	return fmt.Sprintf("Ошибка платежа #%d не найдена.", id)
}

func PaymentErrorResolveUsage() string {
	return "Неверный формат команды. Используйте: /resolve_payment_error ID &lt;заметка&gt;"
}

func PaymentErrorResolvedUserNotice() string {
	return "✅ Проблема с вашим платежом была разрешена. Если остались вопросы, свяжитесь с поддержкой."
}

func ErrorDefault() string {
	return "🚫 <b>Ошибка</b>\nПопробуйте ещё раз."
}

func ErrorUnknownCommand() string {
	return "❓ <b>Команда не найдена</b>"
}
