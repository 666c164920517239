package bot

import (
	"fmt"

	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/store"
)

func scheduleKeyboard() [][]telegramclient.Button {
	return [][]telegramclient.Button{
		{
			{Text: "Сегодня", Data: "sched:today"},
			{Text: "Завтра", Data: "sched:tomorrow"},
		},
		{
			{Text: "Текущая неделя", Data: "sched:week"},
			{Text: "Следующая неделя", Data: "sched:nextweek"},
		},
	}
}

// notificationKeyboard renders one toggle row per category plus bulk
// switches.
func notificationKeyboard(m store.Member) [][]telegramclient.Button {
	rows := make([][]telegramclient.Button, 0, len(store.CategoryOrder)+2)
	for _, key := range store.CategoryOrder {
		mark := "❌"
		if m.Notifications[key] {
			mark = "✅"
		}
		rows = append(rows, []telegramclient.Button{{
			Text: mark + " " + store.NotificationCategories[key],
			Data: "notif:" + key,
		}})
	}
	rows = append(rows, []telegramclient.Button{
		{Text: "Включить все", Data: "notif_all:on"},
		{Text: "Выключить все", Data: "notif_all:off"},
	})
	rows = append(rows, []telegramclient.Button{{Text: "Готово", Data: "notif_done"}})
	return rows
}

// roleKeyboard lists the assignable ranks for one member.
func roleKeyboard(userID int64) [][]telegramclient.Button {
	rows := make([][]telegramclient.Button, 0, len(store.AllRoles))
	for i, role := range store.AllRoles {
		rows = append(rows, []telegramclient.Button{{
			Text: string(role),
			Data: fmt.Sprintf("setrole:%d:%d", userID, i),
		}})
	}
	return rows
}

// broadcastKeyboard lists the subscription categories an announcement can
// target.
func broadcastKeyboard() [][]telegramclient.Button {
	rows := make([][]telegramclient.Button, 0, len(store.CategoryOrder))
	for _, key := range store.CategoryOrder {
		rows = append(rows, []telegramclient.Button{{
			Text: store.NotificationCategories[key],
			Data: "bcast:" + key,
		}})
	}
	return rows
}

// adminMembersKeyboard lists registered members for the edit dialog.
func adminMembersKeyboard(members []store.Member) [][]telegramclient.Button {
	rows := make([][]telegramclient.Button, 0, len(members))
	for _, m := range members {
		rows = append(rows, []telegramclient.Button{{
			Text: m.FullName,
			Data: fmt.Sprintf("admin_edit:%d", m.UserID),
		}})
	}
	return rows
}

// adminFieldKeyboard offers the editable attributes for one member.
func adminFieldKeyboard(userID int64) [][]telegramclient.Button {
	return [][]telegramclient.Button{
		{
			{Text: "ФИО", Data: fmt.Sprintf("admin_field:%d:name", userID)},
			{Text: "Дата рождения", Data: fmt.Sprintf("admin_field:%d:bdate", userID)},
		},
	}
}

func homeworkKeyboard(privileged bool) [][]telegramclient.Button {
	if !privileged {
		return nil
	}
	return [][]telegramclient.Button{
		{
			{Text: "➕ Добавить ДЗ", Data: "hw_add"},
			{Text: "➕ Добавить КМ", Data: "exam_add"},
		},
	}
}
