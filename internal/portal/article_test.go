package portal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const articleHTML = `<html><body>
<div id="ct">
  <div class="media_end_head go_trans">
    <div class="media_end_head_top">
      <a href="#"><img class="media_end_head_top_logo_img light_type" title=" 연합뉴스 " src="x.png"></a>
    </div>
    <div class="media_end_head_title"> 금리 동결 </div>
    <div class="media_end_head_info nv_notrans">
      <div class="media_end_head_info_datestamp">
        <div><span data-date-time="2024-03-09 10:15:00">2024.03.09.</span></div>
        <div><span data-modify-date-time="2024-03-09 11:00:30">2024.03.09.</span></div>
      </div>
    </div>
  </div>
</div>
<div id="contents">
  <div class="byline"><p><span>홍길동 기자</span></p></div>
  <article id="dic_area">  본문 내용  </article>
</div>
<em class="media_end_categorize_item">경제</em>
<em class="media_end_categorize_item"> 금융 </em>
</body></html>`

func TestParseArticleAllFields(t *testing.T) {
	t.Parallel()

	kst := time.FixedZone("KST", 9*60*60)
	parsed, err := ParseArticle(strings.NewReader(articleHTML), kst)
	require.NoError(t, err)
	require.Empty(t, parsed.Missing)

	a := parsed.Article
	require.Equal(t, "연합뉴스", *a.Press)
	require.Equal(t, "금리 동결", *a.Title)
	require.Equal(t, time.Date(2024, 3, 9, 10, 15, 0, 0, kst), *a.Input)
	require.Equal(t, time.Date(2024, 3, 9, 11, 0, 30, 0, kst), *a.Modify)
	require.Equal(t, "홍길동 기자", *a.Writer)
	require.Equal(t, "본문 내용", *a.Body)
	require.Equal(t, []string{"경제", "금융"}, a.Categories)
}

func TestParseArticleMissingFieldsAreNil(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div id="ct"><div class="media_end_head go_trans">
  <div class="media_end_head_title">제목만</div>
  <div class="media_end_head_info nv_notrans"><div class="media_end_head_info_datestamp">
    <div><span data-date-time="not a time">?</span></div>
  </div></div>
</div></div>
</body></html>`
	parsed, err := ParseArticle(strings.NewReader(page), nil)
	require.NoError(t, err)

	a := parsed.Article
	require.Equal(t, "제목만", *a.Title)
	require.Nil(t, a.Press)
	require.Nil(t, a.Input)
	require.Nil(t, a.Modify)
	require.Nil(t, a.Writer)
	require.Nil(t, a.Body)
	require.Nil(t, a.Categories)
	require.Equal(t, []string{
		FieldPress, FieldInput, FieldModify, FieldWriter, FieldBody, FieldCategories,
	}, parsed.Missing)
}
