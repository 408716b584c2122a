package listing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const searchPage = `<!doctype html>
<html><body>
<div class="browse-post-list">
  <article class="kt-post-card">
    <a class="kt-post-card__action" href="/v/pride-131/wYk1">
      <div class="kt-post-card__body">
        <h2 class="kt-post-card__title">
          پراید ۱۳۱
        </h2>
        <div class="kt-post-card__description"> ۱۲۰,۰۰۰ کیلومتر </div>
        <div class="kt-post-card__description">۲۵۰,۰۰۰,۰۰۰ تومان</div>
        <div class="kt-post-card__red-text"> <span>فوری</span> </div>
        <span class="kt-post-card__bottom-description" title="نمایشگاه در تهران">نمایشگاه...</span>
      </div>
      <div class="kt-post-card-thumbnail">
        <img class="kt-image-block__image" src="https://s100.divarcdn.com/a.jpg">
      </div>
    </a>
  </article>
  <article class="kt-post-card">
    <a class="kt-post-card__action" href="v/peugeot-206/Zq9">
      <h2 class="kt-post-card__title">پژو ۲۰۶</h2>
      <div class="kt-post-card__description">کارکرد صفر</div>
      <div class="kt-post-card__description">توافقی</div>
      <span class="kt-post-card__bottom-description">لحظاتی پیش در <b>کرج</b></span>
    </a>
  </article>
  <article class="kt-post-card">
    <a class="kt-post-card__action" href="https://divar.ir/v/tiba/Abc">
      <h2 class="kt-post-card__title">تیبا</h2>
    </a>
  </article>
  <a class="kt-post-card__action" href="/v/outside-article/zzz">ignored</a>
</div>
</body></html>`

func TestCardParserParse(t *testing.T) {
	t.Parallel()

	parser, err := NewCardParser("https://divar.ir")
	require.NoError(t, err)

	rows, err := parser.Parse(strings.NewReader(searchPage), "https://divar.ir/s/tehran/car")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	first := rows[0]
	require.Equal(t, "پراید ۱۳۱", first.Title)
	require.Equal(t, "https://divar.ir/v/pride-131/wYk1", first.URL)
	require.Equal(t, "۱۲۰,۰۰۰ کیلومتر", first.KMText)
	require.NotNil(t, first.KM)
	require.Equal(t, int64(120000), *first.KM)
	require.NotNil(t, first.Price)
	require.Equal(t, int64(250000000), *first.Price)
	require.Equal(t, "فوری", first.Tag)
	require.Equal(t, "نمایشگاه در تهران", first.Bottom)
	require.Equal(t, "https://s100.divarcdn.com/a.jpg", first.Image)

	second := rows[1]
	require.Equal(t, "https://divar.ir/s/tehran/v/peugeot-206/Zq9", second.URL)
	require.Nil(t, second.KM)
	require.Nil(t, second.Price)
	require.Equal(t, "توافقی", second.PriceText)
	require.Equal(t, "لحظاتی پیش درکرج", second.Bottom)
	require.Empty(t, second.Image)

	third := rows[2]
	require.Equal(t, "https://divar.ir/v/tiba/Abc", third.URL)
	require.Empty(t, third.KMText)
	require.Empty(t, third.PriceText)
	require.Nil(t, third.Price)
}

func TestCardParserEmptyDocument(t *testing.T) {
	t.Parallel()

	parser, err := NewCardParser("https://divar.ir")
	require.NoError(t, err)

	rows, err := parser.ParseHTML("<html><body><p>nothing here</p></body></html>", "https://divar.ir/s/x")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestNewCardParserRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := NewCardParser("/relative")
	require.Error(t, err)
}

func TestCardParserRejectsBadPageURL(t *testing.T) {
	t.Parallel()

	parser, err := NewCardParser("https://divar.ir")
	require.NoError(t, err)
	_, err = parser.ParseHTML(searchPage, "http://%zz")
	require.Error(t, err)
}
