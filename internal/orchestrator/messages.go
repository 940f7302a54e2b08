package orchestrator

import (
	"fmt"

	"github.com/ChamsBouzaiene/pdn/internal/language"
)

type messageKey int

const (
	msgProviderFallback messageKey = iota
	msgTemplateNotFound
	msgInvalidStage
	msgEmptyMessage
	msgSessionCompleted
	msgReportFailed
	msgReviewHeader
	msgReviewEmpty
	msgLabelUser
	msgLabelAssistant
	msgSaveReady
	msgSaveMissing
)

var catalog = map[language.Language]map[messageKey]string{
	language.English: {
		msgProviderFallback: "⚠️ **Error:** I encountered an issue processing your request. Please try again.",
		msgTemplateNotFound: "The required template file was not found. Please contact support.",
		msgInvalidStage:     "Invalid stage: %s",
		msgEmptyMessage:     "No message or file provided",
		msgSessionCompleted: "Your assessment is complete, so its stage can no longer change. Type **done** to start over.",
		msgReportFailed:     "⚠️ I couldn't prepare your final report just now. Send another message to try again.",
		msgReviewHeader:     "📋 **Your assessment conversation**",
		msgReviewEmpty:      "There is nothing to review yet.",
		msgLabelUser:        "You",
		msgLabelAssistant:   "Guide",
		msgSaveReady:        "✅ Your final report is saved. Open the report page to read it again, or type **done** to start a new assessment.",
		msgSaveMissing:      "Your final report has not been generated yet. Finish the assessment to receive it.",
	},
	language.Hebrew: {
		msgProviderFallback: "⚠️ **שגיאה:** אירעה תקלה בעיבוד הבקשה שלך. אנא נסה שוב.",
		msgTemplateNotFound: "קובץ התבנית הנדרש לא נמצא. אנא צור קשר עם התמיכה.",
		msgInvalidStage:     "שלב לא חוקי: %s",
		msgEmptyMessage:     "לא סופקה הודעה או קובץ",
		msgSessionCompleted: "ההערכה שלך הושלמה ולכן לא ניתן לשנות את השלב. כתוב/י **done** כדי להתחיל מחדש.",
		msgReportFailed:     "⚠️ לא הצלחתי להכין את הדוח הסופי שלך כרגע. שלח/י הודעה נוספת כדי לנסות שוב.",
		msgReviewHeader:     "📋 **שיחת ההערכה שלך**",
		msgReviewEmpty:      "אין עדיין מה להציג.",
		msgLabelUser:        "את/ה",
		msgLabelAssistant:   "המדריך",
		msgSaveReady:        "✅ הדוח הסופי שלך נשמר. פתח/י את עמוד הדוח כדי לקרוא אותו שוב, או כתוב/י **done** כדי להתחיל הערכה חדשה.",
		msgSaveMissing:      "הדוח הסופי שלך עדיין לא נוצר. השלם/י את ההערכה כדי לקבל אותו.",
	},
}

// localize returns the message for lang, falling back to English.
func localize(lang language.Language, key messageKey, args ...any) string {
	msgs, ok := catalog[lang]
	if !ok {
		msgs = catalog[language.English]
	}
	s, ok := msgs[key]
	if !ok {
		s = catalog[language.English][key]
	}
	if len(args) > 0 {
		return fmt.Sprintf(s, args...)
	}
	return s
}
